package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/config"
	"github.com/raredx/orchestrator/internal/wiring"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "raredx",
	Short: "Evidence-driven rare disease differential diagnosis",
	Long: "raredx gathers evidence for a set of HPO phenotype codes, synthesizes a\n" +
		"ranked differential diagnosis and verifies each candidate against\n" +
		"canonical disease identities before accepting it.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "", "Configuration file (default: $CONFIG_PATH or "+config.DefaultPath+")")
	pf.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Log at debug level in console format")

	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(buildIndexCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

// loadConfig reads the configuration and builds the matching logger.
func loadConfig() (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	logger, level, err := wiring.NewLogger(cfg.Logging, rootFlags.verbose)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	return cfg, logger, level, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
