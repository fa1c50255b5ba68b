package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/canopy-network/relayx/app/relay/types"
	"github.com/canopy-network/relayx/pkg/chain"
	"github.com/canopy-network/relayx/pkg/config"
	"github.com/canopy-network/relayx/pkg/logging"
	"github.com/canopy-network/relayx/pkg/manager"
	"github.com/canopy-network/relayx/pkg/metrics"
)

// Initialize builds the application: configuration, logger, metrics, the
// multi-chain manager, and the websocket hub, then initializes every chain.
// A failure of any single chain aborts startup.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Unable to load configuration", zap.Error(err))
		return nil, err
	}

	app := &types.App{
		Config:  cfg,
		Metrics: metrics.New(),
		Hub:     types.NewHub(logger),
		Logger:  logger,
	}

	mgr, err := manager.New(cfg, manager.Opts{
		Metrics: app.Metrics,
		OnEvent: func(evt chain.Event) { app.Hub.Broadcast(evt) },
	}, logger)
	if err != nil {
		logger.Error("Unable to build chain manager", zap.Error(err))
		return nil, err
	}
	app.Manager = mgr

	if err := mgr.Start(ctx); err != nil {
		logger.Error("Chain initialization failed", zap.Error(err))
		return nil, err
	}

	return app, nil
}
