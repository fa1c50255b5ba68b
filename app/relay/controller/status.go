package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/canopy-network/relayx/pkg/chain"
)

// HandleChainsList returns the status of every configured chain.
func (c *Controller) HandleChainsList(w http.ResponseWriter, r *http.Request) {
	instances := c.App.Manager.Chains()
	out := make([]chain.Status, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleChainStatus returns one chain's status.
func (c *Controller) HandleChainStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chain"]
	inst, ok := c.App.Manager.Chain(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "chain_not_found", "unknown chain "+name, r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inst.Status())
}

// HandleMetrics returns the aggregate request metrics as JSON. The
// prometheus scrape lives at /metrics.
func (c *Controller) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	type chainMetrics struct {
		Chain string `json:"chain"`
		chain.Metrics
	}

	instances := c.App.Manager.Chains()
	chains := make([]chainMetrics, 0, len(instances))
	var agg chain.Metrics
	for _, inst := range instances {
		m := inst.Metrics()
		chains = append(chains, chainMetrics{Chain: inst.Name(), Metrics: m})
		agg.TotalRequests += m.TotalRequests
		agg.SuccessfulRequests += m.SuccessfulRequests
		agg.FailedRequests += m.FailedRequests
	}
	if agg.TotalRequests > 0 {
		agg.SuccessRate = float64(agg.SuccessfulRequests) / float64(agg.TotalRequests)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"aggregate": agg,
		"chains":    chains,
	})
}
