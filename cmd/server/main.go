// KOC escrow - milestone escrow for creator campaigns
package main

import (
	"context"
	"os"

	"github.com/kocbridge/escrow/internal/config"
	"github.com/kocbridge/escrow/internal/logging"
	"github.com/kocbridge/escrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting koc-escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"vn_primary", cfg.VNPrimaryProvider,
		"stripe", cfg.StripeEnabled(),
		"chain", cfg.ChainEnabled(),
		"chain_id", cfg.ChainID,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
