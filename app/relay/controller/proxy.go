package controller

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodyBytes bounds inbound JSON-RPC bodies. CometBFT requests are tiny;
// anything near this size is abuse.
const maxBodyBytes = 10 << 20

// HandleProxy is the catch-all chain surface: the path selects the chain and
// pool, the body (POST) or path+query (GET) is forwarded verbatim, and the
// upstream body comes back verbatim with observability headers attached.
func (c *Controller) HandleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "unable to read request body", r.URL.Path)
			return
		}
		if len(body) > maxBodyBytes {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "bad_request", "request body too large", r.URL.Path)
			return
		}
	}

	res, isArchive, err := c.App.Manager.Route(r.Context(), r.Method, r.URL.Path, r.URL.RawQuery, body)
	total := time.Since(start)

	w.Header().Set("X-Response-Time", fmt.Sprintf("%d", total.Milliseconds()))
	w.Header().Set("X-Is-Archive", fmt.Sprintf("%t", isArchive))

	if err != nil {
		writeProxyError(w, r.URL.Path, err)
		return
	}

	w.Header().Set("X-Selected-RPC", res.Endpoint)
	w.Header().Set("X-RPC-Response-Time", fmt.Sprintf("%d", res.Duration.Milliseconds()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}
