package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/config"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/wiring"
)

var diagnoseFlags struct {
	json         bool
	persist      bool
	quiet        bool
	noReflection bool
	caseSearch   bool
	maxRetry     int
	timeout      time.Duration
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <HP:code>...",
	Short: "Run one diagnosis for a set of HPO codes",
	Long: `Run the evidence, synthesis and verification loop for a patient described
by HPO phenotype codes and print the resulting report.

Usage:
  raredx diagnose HP:0001250 HP:0001263
  raredx diagnose HP:0001250,HP:0001263 --json
  raredx diagnose HP:0001250 --no-reflection --max-retry 1

Progress is written to stderr; the report (or JSON with --json) to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDiagnose,
}

func init() {
	f := diagnoseCmd.Flags()
	f.BoolVar(&diagnoseFlags.json, "json", false, "Print the full run result as JSON")
	f.BoolVar(&diagnoseFlags.persist, "persist", false, "Record the run in the configured store")
	f.BoolVarP(&diagnoseFlags.quiet, "quiet", "q", false, "Do not print progress events")
	f.BoolVar(&diagnoseFlags.noReflection, "no-reflection", false, "Skip verification of candidates")
	f.BoolVar(&diagnoseFlags.caseSearch, "case-search", false, "Include similar case search as evidence")
	f.IntVar(&diagnoseFlags.maxRetry, "max-retry", 0, "Override diagnosis.max_retry")
	f.DurationVar(&diagnoseFlags.timeout, "timeout", 30*time.Minute, "Upper bound for the whole run")
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	codes, err := parsePhenotypes(args)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return fmt.Errorf("at least one HPO code is required\n\nUsage: raredx diagnose HP:0001250 [HP:...]")
	}

	cfg, logger, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyDiagnoseOverrides(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, diagnoseFlags.timeout)
	defer cancel()

	rt, err := wiring.Build(ctx, cfg, logger, wiring.Options{Mode: "cli", SkipStore: !diagnoseFlags.persist})
	if err != nil {
		return err
	}
	defer rt.Close()

	runID := uuid.New().String()
	if rt.Store != nil {
		if err := rt.Store.CreateRun(ctx, runID, codes, time.Now().UTC()); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}

	printed := make(chan struct{})
	events := rt.Streams.Subscribe(runID, 64)
	go func() {
		defer close(printed)
		for ev := range events {
			if !diagnoseFlags.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), formatEvent(ev))
			}
		}
	}()

	res := rt.Orchestrator.RunWithID(ctx, runID, codes)
	rt.Streams.Unsubscribe(runID, events)
	<-printed

	if rt.Store != nil {
		if err := rt.Store.CompleteRun(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn("Failed to persist run", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if err := writeResult(cmd.OutOrStdout(), res, diagnoseFlags.json); err != nil {
		return err
	}
	if res.Status == diagnosis.StatusCancelled {
		return fmt.Errorf("run %s cancelled: %v", runID, context.Cause(ctx))
	}
	return nil
}

// applyDiagnoseOverrides lets explicit flags win over the configuration file.
func applyDiagnoseOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("no-reflection") {
		cfg.Diagnosis.SelfReflection = !diagnoseFlags.noReflection
	}
	if f.Changed("case-search") {
		cfg.Diagnosis.CaseSearcher = diagnoseFlags.caseSearch
	}
	if f.Changed("max-retry") && diagnoseFlags.maxRetry > 0 {
		cfg.Diagnosis.MaxRetry = diagnoseFlags.maxRetry
	}
}
