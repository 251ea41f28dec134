package activities

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/interceptors"
)

// RunStore persists final results. It is optional.
type RunStore interface {
	CompleteRun(ctx context.Context, res *diagnosis.RunResult) error
}

// Activities runs the steps of one diagnosis round on the worker.
type Activities struct {
	orch   *diagnosis.Orchestrator
	store  RunStore
	logger *zap.Logger
}

// NewActivities creates the activity set. store may be nil.
func NewActivities(orch *diagnosis.Orchestrator, store RunStore, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{orch: orch, store: store, logger: logger.With(zap.String("component", "activities"))}
}

type StartRunInput struct {
	RunID      string                 `json:"run_id"`
	Phenotypes diagnosis.PhenotypeSet `json:"phenotypes"`
}

// StartRunResult carries the worker's effective loop configuration so that
// the workflow decides retries with the bounds of the worker that runs it.
type StartRunResult struct {
	PatientInfo string           `json:"patient_info"`
	Config      diagnosis.Config `json:"config"`
}

type GatherInput struct {
	RunID      string                 `json:"run_id"`
	Attempt    int                    `json:"attempt"`
	Phenotypes diagnosis.PhenotypeSet `json:"phenotypes"`
}

type SynthesizeInput struct {
	RunID       string                    `json:"run_id"`
	Attempt     int                       `json:"attempt"`
	Evidence    *diagnosis.EvidenceBundle `json:"evidence"`
	PatientInfo string                    `json:"patient_info"`
}

type ReflectInput struct {
	RunID        string                     `json:"run_id"`
	Attempt      int                        `json:"attempt"`
	Report       diagnosis.DiagnosticReport `json:"report"`
	PatientInfo  string                     `json:"patient_info"`
	CaseEvidence string                     `json:"case_evidence"`
}

type RejectRoundInput struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

func (a *Activities) StartRun(ctx context.Context, in StartRunInput) (StartRunResult, error) {
	info := a.orch.BeginRun(in.RunID, in.Phenotypes)
	return StartRunResult{PatientInfo: info, Config: a.orch.Config()}, nil
}

func (a *Activities) GatherEvidence(ctx context.Context, in GatherInput) (*diagnosis.EvidenceBundle, error) {
	bundle := a.orch.GatherRound(interceptors.WithRunID(ctx, in.RunID), in.RunID, in.Attempt, in.Phenotypes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (a *Activities) SynthesizeReport(ctx context.Context, in SynthesizeInput) (diagnosis.DiagnosticReport, error) {
	report := a.orch.SynthesizeRound(interceptors.WithRunID(ctx, in.RunID), in.RunID, in.Attempt, in.Evidence, in.PatientInfo)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return report, nil
}

// Reflect records a heartbeat before evaluating candidates.
func (a *Activities) Reflect(ctx context.Context, in ReflectInput) (*diagnosis.ReflectionOutcome, error) {
	recordHeartbeat(ctx, in.Attempt)
	outcome := a.orch.ReflectRound(interceptors.WithRunID(ctx, in.RunID), in.RunID, in.Attempt, in.Report, in.PatientInfo, in.CaseEvidence)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (a *Activities) RejectRound(ctx context.Context, in RejectRoundInput) error {
	a.orch.RejectRound(in.RunID, in.Attempt)
	return nil
}

// FinishRun publishes the terminal event and stores the result.
func (a *Activities) FinishRun(ctx context.Context, res *diagnosis.RunResult) error {
	if res == nil {
		return fmt.Errorf("finish run: nil result")
	}
	a.orch.FinishRun(res)
	if a.store == nil {
		return nil
	}
	if err := a.store.CompleteRun(ctx, res); err != nil {
		a.logger.Error("Failed to persist run result", zap.String("run_id", res.RunID), zap.Error(err))
		return fmt.Errorf("persist run %s: %w", res.RunID, err)
	}
	return nil
}

// recordHeartbeat is a no-op outside an activity context, e.g. in unit tests.
func recordHeartbeat(ctx context.Context, details ...interface{}) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}
