package wiring

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raredx/orchestrator/internal/config"
)

// NewLogger builds the process logger. The returned level can be changed at
// runtime, e.g. on a configuration reload.
func NewLogger(cfg config.LoggingConfig, verbose bool) (*zap.Logger, zap.AtomicLevel, error) {
	var zc zap.Config
	if verbose || strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if verbose {
		zc.Level.SetLevel(zapcore.DebugLevel)
	} else if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level.SetLevel(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zc.Level, nil
}
