package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raredx/orchestrator/internal/wiring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the diagnosis HTTP API",
	Long: `Start the HTTP API, health and metrics endpoints. When temporal.enabled is
set, runs execute as durable workflows on the configured task queue and this
process also hosts the worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, level, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return wiring.Serve(ctx, cfg, logger, &level)
	},
}
