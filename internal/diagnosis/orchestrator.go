package diagnosis

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/interceptors"
	"github.com/raredx/orchestrator/internal/metrics"
	"github.com/raredx/orchestrator/internal/tracing"
)

// Step is the decision taken after an orchestration round.
type Step int

const (
	// StepAccept stops with at least one confirmed candidate.
	StepAccept Step = iota
	// StepRetry discards the round and starts a new one.
	StepRetry
	// StepExhausted stops because the retry cap was reached.
	StepExhausted
	// StepUnverified stops because self-reflection is disabled.
	StepUnverified
)

func (s Step) String() string {
	switch s {
	case StepAccept:
		return "accept"
	case StepRetry:
		return "retry"
	case StepExhausted:
		return "exhausted"
	case StepUnverified:
		return "unverified"
	default:
		return "unknown"
	}
}

// Status maps a terminal step to the run status.
func (s Step) Status() RunStatus {
	switch s {
	case StepAccept:
		return StatusAccepted
	case StepUnverified:
		return StatusUnverified
	default:
		return StatusUnconfirmed
	}
}

// NextStep decides what follows round number attempt (1-based). It is shared by
// the in-process loop and the durable workflow.
func NextStep(cfg Config, attempt int, outcome *ReflectionOutcome) Step {
	cfg = cfg.normalized()
	if !cfg.SelfReflection || outcome == nil {
		return StepUnverified
	}
	if len(outcome.Accepted) > 0 {
		return StepAccept
	}
	if attempt >= cfg.MaxRetry {
		return StepExhausted
	}
	return StepRetry
}

// Orchestrator runs the gather, synthesize, reflect loop.
type Orchestrator struct {
	cfg         Config
	labeler     PhenotypeLabeler
	gatherer    *Gatherer
	synthesizer *Synthesizer
	resolver    *Resolver
	reflector   *Reflector
	observer    Observer
	mode        string
	logger      *zap.Logger
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithObserver publishes run progress to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithPrompts replaces the default prompts.
func WithPrompts(p PromptSet) Option {
	return func(o *Orchestrator) {
		o.synthesizer.prompts.Synthesis = p.Synthesis
		o.reflector.evaluator.prompts.Judgment = p.Judgment
		if o.synthesizer.prompts.Synthesis == nil {
			o.synthesizer.prompts.Synthesis = DefaultPrompts().Synthesis
		}
		if o.reflector.evaluator.prompts.Judgment == nil {
			o.reflector.evaluator.prompts.Judgment = DefaultPrompts().Judgment
		}
	}
}

// WithMode labels run metrics (e.g. "api", "cli", "workflow").
func WithMode(mode string) Option {
	return func(o *Orchestrator) {
		if mode != "" {
			o.mode = mode
		}
	}
}

// New wires the components of the loop over the given services.
func New(cfg Config, svc Services, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	resolver := NewResolver(cfg, svc, logger)
	evaluator := NewEvaluator(cfg, svc, PromptSet{}, logger)
	o := &Orchestrator{
		cfg:         cfg,
		labeler:     svc.Labeler,
		gatherer:    NewGatherer(cfg, svc, logger),
		synthesizer: NewSynthesizer(cfg, svc, PromptSet{}, logger),
		resolver:    resolver,
		reflector:   NewReflector(cfg, resolver, evaluator, logger),
		observer:    nopObserver{},
		mode:        "default",
		logger:      logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Gatherer returns the evidence gatherer.
func (o *Orchestrator) Gatherer() *Gatherer { return o.gatherer }

// Synthesizer returns the candidate synthesizer.
func (o *Orchestrator) Synthesizer() *Synthesizer { return o.synthesizer }

// Resolver returns the identity resolver.
func (o *Orchestrator) Resolver() *Resolver { return o.resolver }

// Reflector returns the self-reflection controller.
func (o *Orchestrator) Reflector() *Reflector { return o.reflector }

// PatientInfo renders the phenotype set for prompts, with labels when available.
func (o *Orchestrator) PatientInfo(phenotypes PhenotypeSet) string {
	if o.labeler == nil {
		return phenotypes.String()
	}
	return strings.Join(o.labeler.Label(phenotypes.Codes()), ", ")
}

// Run executes a diagnosis with a generated run ID.
func (o *Orchestrator) Run(ctx context.Context, phenotypes PhenotypeSet) *RunResult {
	return o.RunWithID(ctx, uuid.New().String(), phenotypes)
}

// RunWithID executes a diagnosis. It always returns a result built from the
// last round, whether or not any candidate was confirmed.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, phenotypes PhenotypeSet) *RunResult {
	started := time.Now()
	phenotypes = append(PhenotypeSet(nil), phenotypes...)
	logger := o.logger.With(zap.String("run_id", runID))
	ctx = interceptors.WithRunID(ctx, runID)

	ctx, span := tracing.StartRunSpan(ctx, runID, len(phenotypes))
	defer span.End()

	patientInfo := o.BeginRun(runID, phenotypes)

	var (
		last *RoundContext
		step Step
	)
	for attempt := 1; ; attempt++ {
		last = o.RunRound(ctx, runID, attempt, phenotypes, patientInfo)
		step = NextStep(o.cfg, attempt, last.Reflection)
		if step == StepRetry && ctx.Err() != nil {
			step = StepExhausted
		}
		if step != StepRetry {
			break
		}
		o.RejectRound(runID, attempt)
		logger.Info("No candidate confirmed, starting a new round",
			zap.Int("attempt", attempt),
			zap.Int("max_retry", o.cfg.MaxRetry))
	}

	status := step.Status()
	if ctx.Err() != nil && status != StatusAccepted {
		status = StatusCancelled
	}
	res := &RunResult{
		RunID:      runID,
		Phenotypes: phenotypes,
		Report:     last.Report,
		Evidence:   last.Evidence,
		Reflection: last.Reflection,
		Rounds:     last.Attempt,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("run.status", string(status)), attribute.Int("run.rounds", res.Rounds))
	o.FinishRun(res)
	return res
}

// BeginRun announces a run and returns the patient description used by every round.
func (o *Orchestrator) BeginRun(runID string, phenotypes PhenotypeSet) string {
	metrics.RunsStarted.WithLabelValues(o.mode).Inc()
	o.observer.Observe(runID, Event{Type: EventRunStarted, Message: phenotypes.String()})
	o.logger.Info("Diagnosis run started",
		zap.String("run_id", runID),
		zap.Strings("phenotypes", phenotypes),
		zap.Int("max_retry", o.cfg.MaxRetry),
		zap.Int("max_reflection", o.cfg.MaxReflection),
		zap.Bool("self_reflection", o.cfg.SelfReflection))
	return o.PatientInfo(phenotypes)
}

// RejectRound announces that round attempt confirmed nothing and will be discarded.
func (o *Orchestrator) RejectRound(runID string, attempt int) {
	o.observer.Observe(runID, Event{Type: EventRoundRejected, Round: attempt, Message: "no candidate confirmed; regenerating"})
}

// FinishRun records metrics and announces the final status of res.
func (o *Orchestrator) FinishRun(res *RunResult) {
	duration := res.FinishedAt.Sub(res.StartedAt)
	metrics.RecordRunMetrics(o.mode, string(res.Status), duration.Seconds(), res.Rounds)
	o.observer.Observe(res.RunID, Event{Type: EventRunCompleted, Round: res.Rounds, Message: string(res.Status), Data: map[string]interface{}{
		"accepted": acceptedCount(res.Reflection),
	}})
	o.logger.Info("Diagnosis run completed",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.Int("rounds", res.Rounds),
		zap.Int("accepted", acceptedCount(res.Reflection)),
		zap.Duration("duration", duration))
}

// RunRound performs one orchestration round from scratch.
func (o *Orchestrator) RunRound(ctx context.Context, runID string, attempt int, phenotypes PhenotypeSet, patientInfo string) *RoundContext {
	ctx, span := tracing.StartRoundSpan(ctx, attempt)
	defer span.End()

	round := &RoundContext{Attempt: attempt, PatientInfo: patientInfo}
	round.Evidence = o.GatherRound(ctx, runID, attempt, phenotypes)
	round.Report = o.SynthesizeRound(ctx, runID, attempt, round.Evidence, patientInfo)
	if !o.cfg.SelfReflection {
		return round
	}
	round.Reflection = o.ReflectRound(ctx, runID, attempt, round.Report, patientInfo, CaseEvidence(round.Evidence))
	return round
}

// GatherRound collects the evidence of one round.
func (o *Orchestrator) GatherRound(ctx context.Context, runID string, attempt int, phenotypes PhenotypeSet) *EvidenceBundle {
	o.observer.Observe(runID, Event{Type: EventRoundStarted, Round: attempt})
	bundle := o.gatherer.Gather(ctx, phenotypes)
	o.observer.Observe(runID, Event{Type: EventEvidenceGathered, Round: attempt, Data: map[string]interface{}{
		"knowledge":  len(bundle.Knowledge),
		"cases":      len(bundle.Cases),
		"external":   len(bundle.Candidates.External),
		"generative": len(bundle.Candidates.Generative),
	}})
	return bundle
}

// SynthesizeRound writes the diagnostic report of one round.
func (o *Orchestrator) SynthesizeRound(ctx context.Context, runID string, attempt int, bundle *EvidenceBundle, patientInfo string) DiagnosticReport {
	report := o.synthesizer.Synthesize(ctx, bundle, patientInfo)
	o.observer.Observe(runID, Event{Type: EventReportSynthesized, Round: attempt, Data: map[string]interface{}{
		"failed": report == ReportGenerationFailed,
		"blocks": len(ParseReport(report)),
	}})
	return report
}

// ReflectRound verifies the candidates of a report.
func (o *Orchestrator) ReflectRound(ctx context.Context, runID string, attempt int, report DiagnosticReport, patientInfo, caseEvidence string) *ReflectionOutcome {
	notify := func(ev Event) { o.observer.Observe(runID, ev) }
	outcome := o.reflector.ReflectObserved(ctx, report, patientInfo, caseEvidence, notify)
	o.observer.Observe(runID, Event{Type: EventReflectionDone, Round: attempt, Data: map[string]interface{}{
		"accepted":          len(outcome.Accepted),
		"reflection_rounds": outcome.ReflectionRounds,
	}})
	return outcome
}

// CaseEvidence renders the similar cases of a bundle the way the evaluator expects them.
func CaseEvidence(bundle *EvidenceBundle) string {
	if bundle == nil {
		return "[]"
	}
	return asJSON(bundle.Cases)
}

func acceptedCount(o *ReflectionOutcome) int {
	if o == nil {
		return 0
	}
	return len(o.Accepted)
}
