package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"

	"github.com/canopy-network/relayx/pkg/balancer"
	"github.com/canopy-network/relayx/pkg/chain"
	"github.com/canopy-network/relayx/pkg/manager"
)

// errorBody is the stable JSON error shape of every failed response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// writeProxyError maps a core error onto an HTTP response. Upstream HTTP
// errors pass the upstream status and body through untouched; everything
// else becomes a structured JSON error.
func writeProxyError(w http.ResponseWriter, path string, err error) {
	// Pass-through: the upstream answered, just unhappily.
	var httpErr *balancer.HTTPError
	if errors.As(err, &httpErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpErr.StatusCode)
		_, _ = w.Write(httpErr.Body)
		return
	}

	kind, status := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSONError(w, status, kind, err.Error(), path)
}

func classify(err error) (kind string, status int) {
	var transportErr *balancer.TransportError
	switch {
	case errors.Is(err, balancer.ErrNoUpstreams):
		return "no_upstreams_available", http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrNotReady):
		return "not_ready", http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrChainNotFound):
		return "chain_not_found", http.StatusNotFound
	case errors.As(err, &transportErr):
		if transportErr.Timeout() {
			return "upstream_timeout", http.StatusGatewayTimeout
		}
		return "upstream_transport_error", http.StatusBadGateway
	default:
		var exhausted *balancer.ExhaustedError
		if errors.As(err, &exhausted) {
			// Retries exhausted on something we could not classify further.
			return "all_attempts_failed", http.StatusBadGateway
		}
		return "internal_error", http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, message, path string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     kind,
		Message:   message,
		Path:      path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
