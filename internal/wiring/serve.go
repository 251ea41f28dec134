package wiring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-retry"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raredx/orchestrator/internal/activities"
	"github.com/raredx/orchestrator/internal/auth"
	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/config"
	"github.com/raredx/orchestrator/internal/health"
	"github.com/raredx/orchestrator/internal/httpapi"
	"github.com/raredx/orchestrator/internal/registry"
	"github.com/raredx/orchestrator/internal/server"
	"github.com/raredx/orchestrator/internal/temporal"
	"github.com/raredx/orchestrator/internal/tracing"
)

// historyRetention is how long a finished run stays replayable from memory.
const historyRetention = 10 * time.Minute

// Serve runs the HTTP API (and the Temporal worker when enabled) until ctx is
// done, then shuts everything down. level, when non-nil, follows
// logging.level across configuration reloads.
func Serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, level *zap.AtomicLevel) error {
	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if shutdownTracing == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	circuitbreaker.StartMetricsCollection(bgCtx, 15*time.Second)

	rt, err := Build(ctx, cfg, logger, Options{Mode: "api", ForgetAfter: historyRetention})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("Runtime close failed", zap.Error(err))
		}
	}()

	opts := server.Options{TaskQueue: cfg.Temporal.TaskQueue}
	var runStore activities.RunStore
	if rt.Store != nil {
		opts.Store = rt.Store
		runStore = rt.Store
	}

	var w worker.Worker
	if cfg.Temporal.Enabled {
		tClient, err := DialTemporal(ctx, cfg.Temporal, logger)
		if err != nil {
			return fmt.Errorf("temporal: %w", err)
		}
		defer tClient.Close()
		opts.Temporal = tClient

		w = worker.New(tClient, cfg.Temporal.TaskQueue, worker.Options{})
		reg := registry.NewOrchestratorRegistry(&registry.RegistryConfig{EnableActivities: true},
			activities.NewActivities(rt.Orchestrator, runStore, logger), logger)
		if err := reg.RegisterWorkflows(w); err != nil {
			return err
		}
		if err := reg.RegisterActivities(w); err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		defer w.Stop()
		logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))

		_ = rt.Health.RegisterChecker(health.NewCustomHealthChecker("temporal", false, 5*time.Second, func(ctx context.Context) error {
			_, err := tClient.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		}))
	}

	svc := server.NewService(rt.Orchestrator, opts, logger)

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		mw = auth.NewMiddleware(auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour), false, logger)
	}

	watcher := watchConfig(bgCtx, cfg, rt, svc, level, logger)
	if watcher != nil {
		defer func() { _ = watcher.Stop() }()
	}

	rt.Health.Start(bgCtx)
	defer rt.Health.Stop()

	apiServer := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: httpapi.NewRouter(httpapi.Config{
			Runs:    svc,
			Streams: rt.Streams,
			Health:  rt.Health,
			Auth:    mw,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsPort > 0 && cfg.Server.MetricsPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: ":" + strconv.Itoa(cfg.Server.MetricsPort), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down orchestrator service")
	case serveErr = <-errCh:
		logger.Error("Server failed, shutting down", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(sctx); err != nil {
		logger.Warn("HTTP API shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(sctx)
	}
	if err := svc.Shutdown(sctx); err != nil {
		logger.Warn("Run service shutdown incomplete", zap.Error(err))
	}
	return serveErr
}

// DialTemporal connects to the Temporal frontend, retrying while it comes up.
func DialTemporal(ctx context.Context, cfg config.TemporalConfig, logger *zap.Logger) (client.Client, error) {
	b := retry.WithCappedDuration(15*time.Second, retry.NewExponential(time.Second))
	b = retry.WithMaxRetries(20, b)

	var c client.Client
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		c, err = client.Dial(client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err != nil {
			logger.Warn("Temporal not ready, retrying",
				zap.String("host", cfg.Host),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// watchConfig swaps the orchestrator and the log level when the file changes.
// Clients and the store are not rebuilt.
func watchConfig(ctx context.Context, cfg *config.Config, rt *Runtime, svc *server.Service, level *zap.AtomicLevel, logger *zap.Logger) *config.Watcher {
	if cfg.Path == "" {
		return nil
	}
	w, err := config.NewWatcher(cfg, logger)
	if err != nil {
		logger.Warn("Config watcher init failed", zap.Error(err))
		return nil
	}
	w.OnChange(func(_, next *config.Config) {
		svc.SetOrchestrator(rt.NewOrchestrator(next))
		if level != nil {
			if lvl, err := zapcore.ParseLevel(next.Logging.Level); err == nil {
				level.SetLevel(lvl)
			}
		}
		logger.Info("Diagnosis settings reloaded",
			zap.Int("max_retry", next.Diagnosis.MaxRetry),
			zap.Int("max_reflection", next.Diagnosis.MaxReflection),
			zap.Bool("self_reflection", next.Diagnosis.SelfReflection))
	})
	if err := w.Start(ctx); err != nil {
		logger.Warn("Config watcher start failed", zap.Error(err))
		_ = w.Stop()
		return nil
	}
	return w
}
