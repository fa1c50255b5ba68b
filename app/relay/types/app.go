package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/relayx/pkg/config"
	"github.com/canopy-network/relayx/pkg/manager"
	"github.com/canopy-network/relayx/pkg/metrics"
)

// App wires the proxy's collaborators together: the multi-chain manager, the
// prometheus registry, the websocket hub and the HTTP server.
type App struct {
	Config  *config.Config
	Manager *manager.Manager
	Metrics *metrics.Metrics
	Hub     *Hub

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start runs the HTTP server until the context is cancelled, then shuts the
// chains and the server down.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	a.Logger.Info("shutting down chains")
	a.Manager.Shutdown()

	a.Hub.Close()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
