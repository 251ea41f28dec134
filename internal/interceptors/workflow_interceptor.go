// Package interceptors tags outbound upstream requests with the run they
// belong to so provider-side logs can be correlated with a diagnosis.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"
)

const (
	HeaderRunID         = "X-Diagnosis-Run-ID"
	HeaderWorkflowID    = "X-Workflow-ID"
	HeaderWorkflowRunID = "X-Run-ID"
)

type runIDKey struct{}

// WithRunID attaches a diagnosis run ID to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID set by WithRunID, if any.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// WorkflowHTTPRoundTripper adds run and workflow metadata to outgoing HTTP requests.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base; nil means http.DefaultTransport.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if _, ok := base.(*WorkflowHTTPRoundTripper); ok {
		return base
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. The request is cloned before
// headers are added.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	runID, hasRun := RunIDFromContext(ctx)
	inActivity := activity.IsActivity(ctx)
	if !hasRun && !inActivity {
		return w.base.RoundTrip(req)
	}

	out := req.Clone(ctx)
	if hasRun {
		out.Header.Set(HeaderRunID, runID)
	}
	if inActivity {
		info := activity.GetInfo(ctx)
		if info.WorkflowExecution.ID != "" {
			out.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
			out.Header.Set(HeaderWorkflowRunID, info.WorkflowExecution.RunID)
		}
	}
	return w.base.RoundTrip(out)
}
