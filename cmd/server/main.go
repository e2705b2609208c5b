// Loan manager - pooled-lending loan-portfolio ledger
package main

import (
	"context"
	"os"

	"github.com/mbd888/loanmanager/internal/config"
	"github.com/mbd888/loanmanager/internal/logging"
	"github.com/mbd888/loanmanager/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting loanmanager",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, "json")
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"authority", cfg.Authority().Hex(),
		"platform_fee_rate", cfg.PlatformFeeRate,
		"delegate_fee_rate", cfg.DelegateFeeRate,
		"persistent", cfg.DatabaseURL != "",
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
