package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() {
		tracer = prev
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRunAndRoundSpansNest(t *testing.T) {
	rec := useRecorder(t)

	ctx, run := StartRunSpan(context.Background(), "run-1", 3)
	_, round := StartRoundSpan(ctx, 2)
	round.End()
	run.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "diagnosis.round", spans[0].Name())
	assert.Equal(t, "diagnosis.run", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	attrs := map[string]interface{}{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "run-1", attrs["run.id"])
	assert.Equal(t, int64(3), attrs["run.phenotypes"])
}

func TestInjectTraceparent(t *testing.T) {
	useRecorder(t)
	ctx, span := StartHTTPSpan(context.Background(), http.MethodGet, "http://example.test/api")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.test/api", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)

	tp := req.Header.Get("traceparent")
	require.NotEmpty(t, tp)
	assert.Contains(t, tp, span.SpanContext().TraceID().String())
}

func TestInjectTraceparentWithoutSpan(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.test", nil)
	require.NoError(t, err)
	InjectTraceparent(context.Background(), req)
	assert.Empty(t, req.Header.Get("traceparent"))
}

func TestEndWithStatus(t *testing.T) {
	rec := useRecorder(t)

	_, ok := StartHTTPSpan(context.Background(), http.MethodGet, "http://a")
	EndWithStatus(ok, http.StatusOK, nil)
	_, bad := StartHTTPSpan(context.Background(), http.MethodGet, "http://b")
	EndWithStatus(bad, http.StatusBadGateway, nil)
	_, failed := StartHTTPSpan(context.Background(), http.MethodGet, "http://c")
	EndWithStatus(failed, 0, errors.New("connection refused"))

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Len(t, spans[2].Events(), 1)
}
