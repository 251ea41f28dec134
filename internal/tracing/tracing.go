// Package tracing wires OpenTelemetry spans around diagnosis runs and their
// upstream calls.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "raredx-orchestrator"

var (
	tracer     oteltrace.Tracer
	propagator propagation.TextMapPropagator = propagation.TraceContext{}
)

// Config holds tracing configuration.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	// SampleRatio is the fraction of new runs traced; parent decisions win.
	SampleRatio float64
}

// Initialize sets up OTLP export. The returned shutdown func flushes pending spans.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return noop, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	tracer = tp.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

func getTracer() oteltrace.Tracer {
	if tracer == nil {
		return otel.Tracer(defaultServiceName)
	}
	return tracer
}

// InjectTraceparent writes the W3C trace context of ctx into req.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// StartSpan creates a span with the given name and attributes.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return getTracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartRunSpan opens the root span of a diagnosis run.
func StartRunSpan(ctx context.Context, runID string, phenotypes int) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "diagnosis.run",
		attribute.String("run.id", runID),
		attribute.Int("run.phenotypes", phenotypes))
}

// StartRoundSpan opens the span of one gather/synthesize/reflect round.
func StartRoundSpan(ctx context.Context, attempt int) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "diagnosis.round", attribute.Int("round.attempt", attempt))
}

// StartHTTPSpan creates a client span for an outbound HTTP call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	return getTracer().Start(ctx, "HTTP "+method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		))
}

// EndWithStatus marks span failed for 5xx responses or a non-nil err, then ends it.
func EndWithStatus(span oteltrace.Span, status int, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	if status > 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	span.End()
}
