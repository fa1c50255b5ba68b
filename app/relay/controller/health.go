package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
)

// HandleHealth is the basic liveness/readiness probe.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ready := c.App.Manager.Ready()
	status := "ok"
	code := http.StatusOK
	if !ready {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"ready":  ready,
	})
}

// HandleHealthDetailed returns the aggregate summary with per-chain detail.
func (c *Controller) HandleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	summary := c.App.Manager.Status()
	w.Header().Set("Content-Type", "application/json")
	if !summary.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(summary)
}
