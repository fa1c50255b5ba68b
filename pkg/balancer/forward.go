package balancer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/canopy-network/relayx/pkg/registry"
	"github.com/canopy-network/relayx/pkg/utils"
)

// Request is one client request to be forwarded upstream. The body is carried
// as raw bytes and forwarded verbatim, never re-marshaled.
type Request struct {
	Body        []byte
	IsArchive   bool
	IsGet       bool
	RequestPath string // RPC path plus query string, appended for GET forwards
}

// Result is a completed upstream exchange.
type Result struct {
	Body       []byte
	StatusCode int
	Endpoint   string
	Duration   time.Duration
}

// forward performs a single upstream exchange against ep. Transport failures
// and HTTP statuses >= 400 come back as typed errors for the retry loop to
// classify.
func (b *Balancer) forward(ctx context.Context, ep registry.Endpoint, req Request) (*Result, error) {
	if lim := b.limiterFor(ep.URL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, &TransportError{Endpoint: ep.URL, Kind: "timeout", Err: err}
		}
	}

	var httpReq *http.Request
	var err error
	if req.IsGet {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+req.RequestPath, nil)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(req.Body))
	}
	if err != nil {
		return nil, &TransportError{Endpoint: ep.URL, Kind: "network", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", b.userAgent)

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyTransport(ep.URL, err)
	}

	body, readErr := io.ReadAll(resp.Body)
	if cerr := utils.DrainAndClose(resp.Body); cerr != nil && readErr == nil {
		readErr = cerr
	}
	if readErr != nil {
		return nil, &TransportError{Endpoint: ep.URL, Kind: "network", Err: readErr}
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Endpoint: ep.URL, StatusCode: resp.StatusCode, Body: body}
	}

	return &Result{
		Body:       body,
		StatusCode: resp.StatusCode,
		Endpoint:   ep.URL,
		Duration:   elapsed,
	}, nil
}

func (b *Balancer) limiterFor(url string) *rate.Limiter {
	if b.rps <= 0 {
		return nil
	}
	lim, _ := b.limiters.LoadOrStore(url, rate.NewLimiter(rate.Limit(b.rps), int(b.rps)+1))
	return lim
}

// classifyTransport maps a client error to the error taxonomy: timeouts,
// refused connections and DNS failures each get their own kind so the HTTP
// layer can map them to distinct statuses.
func classifyTransport(endpoint string, err error) *TransportError {
	kind := "network"

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = "connection_refused"
	default:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			kind = "dns_failure"
		}
	}

	return &TransportError{Endpoint: endpoint, Kind: kind, Err: err}
}
