package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/raredx/orchestrator/internal/activities"
	"github.com/raredx/orchestrator/internal/constants"
	"github.com/raredx/orchestrator/internal/diagnosis"
)

// DiagnosisWorkflowName is the registered workflow type.
const DiagnosisWorkflowName = constants.DiagnosisWorkflowName

// DiagnosisInput starts one run. The workflow ID is the run ID.
type DiagnosisInput struct {
	RunID      string                 `json:"run_id"`
	Phenotypes diagnosis.PhenotypeSet `json:"phenotypes"`
}

// StepTimeouts bound each activity. Generation dominates synthesis and reflection.
type StepTimeouts struct {
	Gather     time.Duration
	Synthesize time.Duration
	Reflect    time.Duration
}

// DefaultStepTimeouts leave room for the per-call timeouts inside each step.
var DefaultStepTimeouts = StepTimeouts{
	Gather:     3 * time.Minute,
	Synthesize: 5 * time.Minute,
	Reflect:    30 * time.Minute,
}

// DiagnosisWorkflow runs the gather, synthesize, reflect loop durably, one
// activity per step. Rounds are decided by diagnosis.NextStep exactly as the
// in-process loop does. Cancelling the workflow finishes the run with the last
// completed round and status cancelled.
func DiagnosisWorkflow(ctx workflow.Context, input DiagnosisInput) (*diagnosis.RunResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting DiagnosisWorkflow", "run_id", input.RunID, "phenotypes", len(input.Phenotypes))

	started := workflow.Now(ctx)
	short := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	var start activities.StartRunResult
	if err := workflow.ExecuteActivity(short, constants.StartRunActivity, activities.StartRunInput{
		RunID:      input.RunID,
		Phenotypes: input.Phenotypes,
	}).Get(short, &start); err != nil {
		return nil, err
	}

	var (
		last      *diagnosis.RoundContext
		step      diagnosis.Step
		cancelled bool
	)
	for attempt := 1; ; attempt++ {
		round, err := executeRound(ctx, input, attempt, start)
		if err != nil {
			if !temporal.IsCanceledError(err) && !errors.Is(ctx.Err(), workflow.ErrCanceled) {
				return nil, err
			}
			logger.Info("Diagnosis cancelled", "run_id", input.RunID, "attempt", attempt)
			cancelled = true
			break
		}
		last = round
		step = diagnosis.NextStep(start.Config, attempt, round.Reflection)
		if step != diagnosis.StepRetry {
			break
		}
		if err := workflow.ExecuteActivity(short, constants.RejectRoundActivity, activities.RejectRoundInput{
			RunID:   input.RunID,
			Attempt: attempt,
		}).Get(short, nil); err != nil {
			logger.Warn("Failed to publish round rejection", "run_id", input.RunID, "error", err)
		}
	}

	res := &diagnosis.RunResult{
		RunID:      input.RunID,
		Phenotypes: input.Phenotypes,
		StartedAt:  started,
		Status:     step.Status(),
	}
	if last != nil {
		res.Report = last.Report
		res.Evidence = last.Evidence
		res.Reflection = last.Reflection
		res.Rounds = last.Attempt
	}
	if cancelled {
		res.Status = diagnosis.StatusCancelled
	}
	res.FinishedAt = workflow.Now(ctx)

	// The terminal event and the stored result must survive cancellation.
	finishCtx := ctx
	if cancelled {
		finishCtx, _ = workflow.NewDisconnectedContext(ctx)
	}
	finishCtx = workflow.WithActivityOptions(finishCtx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	if err := workflow.ExecuteActivity(finishCtx, constants.FinishRunActivity, res).Get(finishCtx, nil); err != nil {
		logger.Error("Failed to finish run", "run_id", input.RunID, "error", err)
	}

	logger.Info("DiagnosisWorkflow completed", "run_id", input.RunID, "status", string(res.Status), "rounds", res.Rounds)
	return res, nil
}

func executeRound(ctx workflow.Context, input DiagnosisInput, attempt int, start activities.StartRunResult) (*diagnosis.RoundContext, error) {
	timeouts := DefaultStepTimeouts
	// Steps degrade internally, so a failed activity is retried only for worker loss.
	retry := &temporal.RetryPolicy{MaximumAttempts: 2}
	round := &diagnosis.RoundContext{Attempt: attempt, PatientInfo: start.PatientInfo}

	gatherCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: timeouts.Gather, RetryPolicy: retry})
	if err := workflow.ExecuteActivity(gatherCtx, constants.GatherEvidenceActivity, activities.GatherInput{
		RunID:      input.RunID,
		Attempt:    attempt,
		Phenotypes: input.Phenotypes,
	}).Get(gatherCtx, &round.Evidence); err != nil {
		return nil, err
	}

	synthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: timeouts.Synthesize, RetryPolicy: retry})
	if err := workflow.ExecuteActivity(synthCtx, constants.SynthesizeReportActivity, activities.SynthesizeInput{
		RunID:       input.RunID,
		Attempt:     attempt,
		Evidence:    round.Evidence,
		PatientInfo: start.PatientInfo,
	}).Get(synthCtx, &round.Report); err != nil {
		return nil, err
	}

	if !start.Config.SelfReflection {
		return round, nil
	}

	reflectCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: timeouts.Reflect, RetryPolicy: retry})
	if err := workflow.ExecuteActivity(reflectCtx, constants.ReflectActivity, activities.ReflectInput{
		RunID:        input.RunID,
		Attempt:      attempt,
		Report:       round.Report,
		PatientInfo:  start.PatientInfo,
		CaseEvidence: diagnosis.CaseEvidence(round.Evidence),
	}).Get(reflectCtx, &round.Reflection); err != nil {
		return nil, err
	}
	return round, nil
}
