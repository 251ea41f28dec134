package diagnosis

import (
	"context"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/metrics"
)

// Reflector challenges every candidate of a report and keeps the ones the
// evaluator confirms.
type Reflector struct {
	resolver      *Resolver
	evaluator     *Evaluator
	maxReflection int
	logger        *zap.Logger
}

// NewReflector creates a reflector bounded by cfg.MaxReflection rounds
func NewReflector(cfg Config, resolver *Resolver, evaluator *Evaluator, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		resolver:      resolver,
		evaluator:     evaluator,
		maxReflection: cfg.normalized().MaxReflection,
		logger:        logger.With(zap.String("component", "reflector")),
	}
}

// Reflect runs up to MaxReflection rounds over the report and stops at the
// first round that accepts at least one candidate.
func (r *Reflector) Reflect(ctx context.Context, report DiagnosticReport, patientInfo, caseEvidence string) *ReflectionOutcome {
	return r.ReflectObserved(ctx, report, patientInfo, caseEvidence, nil)
}

// ReflectObserved is Reflect with a per-candidate notification hook.
func (r *Reflector) ReflectObserved(ctx context.Context, report DiagnosticReport, patientInfo, caseEvidence string, notify func(Event)) *ReflectionOutcome {
	if notify == nil {
		notify = func(Event) {}
	}

	blocks := ParseReport(report)
	metrics.CandidateBlocks.Observe(float64(len(blocks)))

	rounds := 0
	for round := 1; round <= r.maxReflection; round++ {
		if ctx.Err() != nil {
			r.logger.Warn("Reflection interrupted", zap.Int("completed_rounds", rounds), zap.Error(ctx.Err()))
			break
		}
		rounds = round

		accepted := r.reflectOnce(ctx, round, blocks, patientInfo, caseEvidence, notify)
		if len(accepted) > 0 {
			r.logger.Info("Reflection accepted candidates",
				zap.Int("round", round),
				zap.Int("accepted", len(accepted)),
				zap.Int("blocks", len(blocks)))
			metrics.ReflectionRounds.Observe(float64(round))
			return &ReflectionOutcome{Accepted: accepted, ReflectionRounds: round}
		}
		r.logger.Info("Reflection round rejected every candidate",
			zap.Int("round", round),
			zap.Int("blocks", len(blocks)),
			zap.Int("max_reflection", r.maxReflection))
	}

	metrics.ReflectionRounds.Observe(float64(rounds))
	return &ReflectionOutcome{Accepted: []AcceptedClaim{}, ReflectionRounds: rounds}
}

func (r *Reflector) reflectOnce(ctx context.Context, round int, blocks []DiagnosisCandidateBlock, patientInfo, caseEvidence string, notify func(Event)) []AcceptedClaim {
	accepted := []AcceptedClaim{}
	for _, b := range blocks {
		if ctx.Err() != nil {
			break
		}
		identity := r.resolver.Resolve(ctx, b.Name)
		if identity == nil {
			r.logger.Debug("Skipping unresolvable candidate", zap.String("name", b.Name), zap.Int("rank", b.Rank))
			notify(Event{Type: EventCandidateEvaluated, Round: round, Message: b.Name, Data: map[string]interface{}{
				"rank": b.Rank, "resolved": false,
			}})
			continue
		}

		verdict := r.evaluator.Evaluate(ctx, identity, b.Name+b.RationaleText, patientInfo, caseEvidence)
		notify(Event{Type: EventCandidateEvaluated, Round: round, Message: b.Name, Data: map[string]interface{}{
			"rank": b.Rank, "resolved": true, "disease_id": identity.ID, "correct": verdict.Correct,
		}})
		if verdict.Correct {
			accepted = append(accepted, AcceptedClaim{Disease: *identity, Eval: verdict, BlockText: b.RationaleText})
		}
	}
	return accepted
}
