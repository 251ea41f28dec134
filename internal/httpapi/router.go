// Package httpapi serves the diagnosis HTTP API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/auth"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/health"
	"github.com/raredx/orchestrator/internal/server"
	"github.com/raredx/orchestrator/internal/streaming"
)

// RunService is the run lifecycle used by the API. *server.Service implements it.
type RunService interface {
	Submit(ctx context.Context, phenotypes diagnosis.PhenotypeSet) (*server.RunView, error)
	Get(ctx context.Context, runID string) (*server.RunView, error)
	List(ctx context.Context, limit int) ([]server.RunView, error)
	Cancel(ctx context.Context, runID string) error
}

// Config holds the collaborators of the router. Health and Auth are optional.
type Config struct {
	Runs    RunService
	Streams *streaming.Manager
	Health  *health.Manager
	Auth    *auth.Middleware
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter builds the API:
//
//	POST   /v1/diagnoses
//	GET    /v1/diagnoses
//	GET    /v1/diagnoses/{id}
//	DELETE /v1/diagnoses/{id}
//	GET    /v1/diagnoses/{id}/events   (SSE)
//	GET    /v1/diagnoses/{id}/ws       (WebSocket)
//	GET    /health, /metrics
func NewRouter(cfg Config) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := &diagnosesHandler{runs: cfg.Runs, logger: cfg.Logger.With(zap.String("component", "httpapi"))}
	sh := NewStreamingHandler(cfg.Streams, cfg.Runs, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Mount("/health", health.NewHTTPHandler(cfg.Health, cfg.Logger).Routes())
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/diagnoses", func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.HTTPMiddleware)
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.With(scopes(cfg.Auth, auth.ScopeDiagnosesWrite)).Post("/", h.create)
			r.With(scopes(cfg.Auth, auth.ScopeDiagnosesRead)).Get("/", h.list)
			r.With(scopes(cfg.Auth, auth.ScopeDiagnosesRead)).Get("/{id}", h.get)
			r.With(scopes(cfg.Auth, auth.ScopeDiagnosesWrite)).Delete("/{id}", h.cancel)
		})
		// Streams are long lived and must not be wrapped by the timeout writer.
		r.With(scopes(cfg.Auth, auth.ScopeDiagnosesRead)).Get("/{id}/events", sh.handleSSE)
		r.With(scopes(cfg.Auth, auth.ScopeDiagnosesRead)).Get("/{id}/ws", sh.handleWS)
	})
	return r
}

func scopes(m *auth.Middleware, required ...string) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequireScopes(required...)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
