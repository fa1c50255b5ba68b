package relay

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/relayx/app/relay/controller"
	"github.com/canopy-network/relayx/app/relay/types"
	"github.com/canopy-network/relayx/pkg/utils"
)

// NewServer creates the HTTP server on the App.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", fmt.Sprintf(":%d", app.Config.Port))

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
