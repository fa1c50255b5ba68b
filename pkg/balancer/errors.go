package balancer

import (
	"errors"
	"fmt"
)

// ErrNoUpstreams is returned when the target pool is empty at selection time.
var ErrNoUpstreams = errors.New("no upstream endpoints available")

// TransportError is a network-level failure talking to an upstream: refused
// connection, DNS failure, timeout, or TLS trouble.
type TransportError struct {
	Endpoint string
	Kind     string // "connection_refused", "dns_failure", "timeout", "network"
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout, for the 504 mapping.
func (e *TransportError) Timeout() bool { return e.Kind == "timeout" }

// HTTPError is an upstream response with status >= 400. Status and body are
// preserved so the caller can pass them through.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s returned http %d", e.Endpoint, e.StatusCode)
}

// ExhaustedError is returned when every retry attempt failed; Cause is the
// last underlying failure.
type ExhaustedError struct {
	Chain    string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed for chain %s: %v", e.Attempts, e.Chain, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }
