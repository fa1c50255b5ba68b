package controller

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/canopy-network/relayx/app/relay/types"
	"github.com/canopy-network/relayx/pkg/utils"
)

type Controller struct {
	App        *types.App
	AdminToken string
	AuthUser   string
	AuthHash   []byte
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		AuthUser:   adminUser,
		AuthHash:   phash,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with the operational API and, as the final
// catch-all, the chain proxy surface.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	// Health endpoints, public by design: deployment probes use them.
	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/api/health/detailed", http.HandlerFunc(c.HandleHealthDetailed)).Methods(http.MethodGet)

	// Admin API - Login/Logout
	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	// Status and metrics
	r.Handle("/api/chains", http.HandlerFunc(c.HandleChainsList)).Methods(http.MethodGet)
	r.Handle("/api/chains/{chain}/status", http.HandlerFunc(c.HandleChainStatus)).Methods(http.MethodGet)
	r.Handle("/api/metrics", http.HandlerFunc(c.HandleMetrics)).Methods(http.MethodGet)
	r.Handle("/metrics", c.App.Metrics.Handler()).Methods(http.MethodGet)

	// Operator force actions
	r.Handle("/api/chains/{chain}/refresh", c.RequireAuth(http.HandlerFunc(c.HandleRefresh))).Methods(http.MethodPost)
	r.Handle("/api/chains/{chain}/probe", c.RequireAuth(http.HandlerFunc(c.HandleProbe))).Methods(http.MethodPost)

	// WebSocket endpoint for real-time health events
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	// Everything else is a candidate RPC path for one of the chains.
	r.PathPrefix("/").HandlerFunc(c.HandleProxy).Methods(http.MethodGet, http.MethodPost)

	return r, nil
}
