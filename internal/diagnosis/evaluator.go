package diagnosis

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/metrics"
)

// CorrectMarker must appear verbatim in a judgment response for a positive verdict.
// Prompts and parsers are built against this exact string; do not loosen it.
const CorrectMarker = "DIAGNOSIS ASSESSMENT: [Correct]"

// EvaluationGenerationFailed replaces the judgment text when generation fails.
const EvaluationGenerationFailed = "Diagnosis evaluation generation failed."

// ParseVerdict reports whether a judgment response is positive.
func ParseVerdict(response string) bool {
	return strings.Contains(response, CorrectMarker)
}

// Evaluator judges a single candidate against targeted knowledge.
type Evaluator struct {
	gen        TextGenerator
	knowledge  KnowledgeSearcher
	limits     Limits
	prompts    PromptSet
	searchTO   time.Duration
	generateTO time.Duration
	logger     *zap.Logger
}

// NewEvaluator creates an evaluator. A zero PromptSet uses the defaults.
func NewEvaluator(cfg Config, svc Services, prompts PromptSet, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts.Judgment == nil {
		prompts.Judgment = DefaultPrompts().Judgment
	}
	cfg = cfg.normalized()
	return &Evaluator{
		gen:        svc.Generator,
		knowledge:  svc.Knowledge,
		limits:     svc.Limits,
		prompts:    prompts,
		searchTO:   cfg.SearchTimeout,
		generateTO: cfg.GenerationTimeout,
		logger:     logger.With(zap.String("component", "evaluator")),
	}
}

// Evaluate fetches knowledge for the identity's label, asks for a judgment and
// parses the verdict. Every failure yields Correct=false.
func (e *Evaluator) Evaluate(ctx context.Context, identity *ResolvedIdentity, candidate, patientInfo, caseEvidence string) EvaluationVerdict {
	if identity == nil {
		return EvaluationVerdict{Correct: false}
	}

	knowledge := e.targetedKnowledge(ctx, identity.Label)
	prompt, err := render(e.prompts.Judgment, JudgmentData{
		Candidate:   candidate,
		PatientInfo: patientInfo,
		Cases:       caseEvidence,
		Knowledge:   asJSON(knowledge),
	})
	if err != nil {
		e.logger.Error("Failed to render judgment prompt", zap.Error(err))
		metrics.Verdicts.WithLabelValues("failed").Inc()
		return EvaluationVerdict{Correct: false, RationaleText: EvaluationGenerationFailed}
	}

	if e.gen == nil {
		metrics.Verdicts.WithLabelValues("failed").Inc()
		return EvaluationVerdict{Correct: false, RationaleText: EvaluationGenerationFailed}
	}
	text, err := generate(ctx, e.gen, e.limits.Generation, e.generateTO, "judgment", prompt)
	if err != nil {
		e.logger.Warn("Diagnosis evaluation generation failed",
			zap.String("disease_id", identity.ID),
			zap.Error(err))
		metrics.Verdicts.WithLabelValues("failed").Inc()
		return EvaluationVerdict{Correct: false, RationaleText: EvaluationGenerationFailed}
	}

	v := EvaluationVerdict{Correct: ParseVerdict(text), RationaleText: text}
	if v.Correct {
		metrics.Verdicts.WithLabelValues("correct").Inc()
	} else {
		metrics.Verdicts.WithLabelValues("incorrect").Inc()
	}
	return v
}

func (e *Evaluator) targetedKnowledge(ctx context.Context, label string) []KnowledgeEntry {
	if e.knowledge == nil || strings.TrimSpace(label) == "" {
		return []KnowledgeEntry{}
	}
	if err := wait(ctx, e.limits.Knowledge); err != nil {
		return []KnowledgeEntry{}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.searchTO)
	defer cancel()

	start := time.Now()
	res, err := e.knowledge.SearchKnowledge(callCtx, label)
	if err != nil {
		e.logger.Warn("Targeted knowledge search failed", zap.String("label", label), zap.Error(err))
		metrics.RecordSourceCall("targeted_knowledge", "error", time.Since(start).Seconds())
		return []KnowledgeEntry{}
	}
	metrics.RecordSourceCall("targeted_knowledge", "ok", time.Since(start).Seconds())
	return append([]KnowledgeEntry{}, res...)
}
