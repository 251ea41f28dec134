package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/interceptors"
	"github.com/raredx/orchestrator/internal/tracing"
)

// HTTPWrapper sends requests to one external service through a breaker.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a wrapper. A nil client gets a 30s timeout client.
func NewHTTPWrapper(client *http.Client, name, service string, cfg Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	tagged := *client
	tagged.Transport = interceptors.NewWorkflowHTTPRoundTripper(client.Transport)
	client = &tagged
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, ForService(service, cfg), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do executes req. 5xx responses count as breaker failures but are still
// returned to the caller with a nil error; 4xx never trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	ctx, span := tracing.StartHTTPSpan(req.Context(), req.Method, req.URL.Redacted())
	req = req.WithContext(ctx)
	tracing.InjectTraceparent(ctx, req)

	var resp *http.Response
	err := hw.cb.Execute(ctx, func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		tracing.EndWithStatus(span, resp.StatusCode, nil)
		return resp, nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	tracing.EndWithStatus(span, status, err)
	if err != nil {
		hw.logger.Debug("HTTP request failed",
			zap.String("service", hw.service),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err))
	}
	return resp, err
}

// IsCircuitBreakerOpen reports whether requests are being rejected.
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.IsOpen()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
