package diagnosis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/metrics"
)

// ReportGenerationFailed replaces the report when the generation call fails.
// It contains no candidate headers, so reflection finds zero blocks.
const ReportGenerationFailed DiagnosticReport = "Diagnostic report generation failed."

// Synthesizer turns an evidence bundle into a ranked, cited diagnostic report.
type Synthesizer struct {
	gen     TextGenerator
	limiter Limiter
	prompts PromptSet
	timeout time.Duration
	logger  *zap.Logger
}

// NewSynthesizer creates a synthesizer. A zero PromptSet uses the defaults.
func NewSynthesizer(cfg Config, svc Services, prompts PromptSet, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts.Synthesis == nil {
		prompts.Synthesis = DefaultPrompts().Synthesis
	}
	return &Synthesizer{
		gen:     svc.Generator,
		limiter: svc.Limits.Generation,
		prompts: prompts,
		timeout: cfg.normalized().GenerationTimeout,
		logger:  logger.With(zap.String("component", "synthesizer")),
	}
}

// BuildPrompt renders the synthesis prompt for a bundle.
func (s *Synthesizer) BuildPrompt(bundle *EvidenceBundle, patientInfo string) (string, error) {
	if bundle == nil {
		bundle = newEmptyBundle()
	}
	return render(s.prompts.Synthesis, SynthesisData{
		Knowledge:   asJSON(bundle.Knowledge),
		Generative:  asJSON(bundle.Candidates.Generative),
		External:    asJSON(bundle.Candidates.External),
		Cases:       asJSON(bundle.Cases),
		PatientInfo: patientInfo,
	})
}

// Synthesize produces the report, or ReportGenerationFailed if generation fails.
func (s *Synthesizer) Synthesize(ctx context.Context, bundle *EvidenceBundle, patientInfo string) DiagnosticReport {
	prompt, err := s.BuildPrompt(bundle, patientInfo)
	if err != nil {
		s.logger.Error("Failed to render synthesis prompt", zap.Error(err))
		return ReportGenerationFailed
	}
	if s.gen == nil {
		s.logger.Warn("No text generator configured")
		return ReportGenerationFailed
	}

	text, err := generate(ctx, s.gen, s.limiter, s.timeout, "synthesis", prompt)
	if err != nil {
		s.logger.Warn("Diagnostic report generation failed", zap.Error(err))
		return ReportGenerationFailed
	}
	return DiagnosticReport(text)
}

// generate paces, bounds and records one generation call.
func generate(ctx context.Context, gen TextGenerator, limiter Limiter, timeout time.Duration, purpose, prompt string) (string, error) {
	if err := wait(ctx, limiter); err != nil {
		metrics.RecordGeneration(purpose, "rate_limited", 0)
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, err := gen.Generate(callCtx, prompt)
	if err != nil {
		metrics.RecordGeneration(purpose, "error", time.Since(start).Seconds())
		return "", err
	}
	metrics.RecordGeneration(purpose, "ok", time.Since(start).Seconds())
	return text, nil
}

// PacedGenerator is a TextGenerator that shares the generation limiter and
// metrics with the synthesizer and evaluator.
type PacedGenerator struct {
	gen     TextGenerator
	limiter Limiter
	timeout time.Duration
	purpose string
}

// NewPacedGenerator wraps gen. A non-positive timeout uses the default
// generation timeout.
func NewPacedGenerator(gen TextGenerator, limiter Limiter, timeout time.Duration, purpose string) *PacedGenerator {
	if timeout <= 0 {
		timeout = DefaultConfig().GenerationTimeout
	}
	return &PacedGenerator{gen: gen, limiter: limiter, timeout: timeout, purpose: purpose}
}

// Generate waits on the limiter, then calls the wrapped generator.
func (p *PacedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, p.gen, p.limiter, p.timeout, p.purpose, prompt)
}
