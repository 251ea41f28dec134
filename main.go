package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/config"
	_ "github.com/raredx/orchestrator/internal/metrics" // Import for side effects
	"github.com/raredx/orchestrator/internal/wiring"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, level, err := wiring.NewLogger(cfg.Logging, false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting diagnosis orchestrator",
		zap.String("config", cfg.Path),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("temporal", cfg.Temporal.Enabled),
		zap.Bool("store", cfg.Store.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wiring.Serve(ctx, cfg, logger, &level); err != nil {
		logger.Error("Orchestrator exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Orchestrator stopped")
}
