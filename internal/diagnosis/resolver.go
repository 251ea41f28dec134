package diagnosis

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/metrics"
)

// Resolver maps free-text disease names to canonical identities. It never
// fails: every miss, error or low-confidence match resolves to nil.
type Resolver struct {
	norm          NameNormalizer
	enabled       bool
	minSimilarity float64
	maxDistance   float64
	limiter       Limiter
	timeout       time.Duration
	logger        *zap.Logger
}

// NewResolver creates a resolver over the configured normalizer
func NewResolver(cfg Config, svc Services, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	return &Resolver{
		norm:          svc.Normalizer,
		enabled:       cfg.DiseaseNormalizer,
		minSimilarity: cfg.MinSimilarity,
		maxDistance:   cfg.MaxDistance,
		limiter:       svc.Limits.Normalizer,
		timeout:       cfg.NormalizeTimeout,
		logger:        logger.With(zap.String("component", "resolver")),
	}
}

// Resolve returns the best confident match for name, or nil.
func (r *Resolver) Resolve(ctx context.Context, name string) *ResolvedIdentity {
	name = strings.TrimSpace(name)
	if !r.enabled || r.norm == nil || name == "" {
		metrics.Resolutions.WithLabelValues("skipped").Inc()
		return nil
	}
	if err := wait(ctx, r.limiter); err != nil {
		r.logger.Warn("Normalization skipped, rate limiter wait aborted", zap.String("name", name), zap.Error(err))
		metrics.Resolutions.WithLabelValues("error").Inc()
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m, err := r.norm.Normalize(callCtx, name)
	switch {
	case err != nil:
		r.logger.Warn("Disease normalization failed", zap.String("name", name), zap.Error(err))
		metrics.Resolutions.WithLabelValues("error").Inc()
		return nil
	case m == nil || m.ID == "" || m.Label == "":
		r.logger.Info("No normalization match", zap.String("name", name))
		metrics.Resolutions.WithLabelValues("miss").Inc()
		return nil
	case r.minSimilarity > 0 && m.Similarity < r.minSimilarity:
		r.logger.Info("Normalization match below similarity threshold",
			zap.String("name", name),
			zap.String("match", m.Label),
			zap.Float64("similarity", m.Similarity),
			zap.Float64("min_similarity", r.minSimilarity))
		metrics.Resolutions.WithLabelValues("below_threshold").Inc()
		return nil
	case r.maxDistance > 0 && m.Distance != nil && *m.Distance > r.maxDistance:
		r.logger.Info("Normalization match beyond distance threshold",
			zap.String("name", name),
			zap.String("match", m.Label),
			zap.Float64("distance", *m.Distance),
			zap.Float64("max_distance", r.maxDistance))
		metrics.Resolutions.WithLabelValues("below_threshold").Inc()
		return nil
	}

	metrics.Resolutions.WithLabelValues("resolved").Inc()
	return &ResolvedIdentity{ID: m.ID, Label: m.Label, Similarity: m.Similarity}
}

// ResolveAll resolves every name and keeps the hits as references, in order.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) []DiseaseRef {
	out := make([]DiseaseRef, 0, len(names))
	for _, n := range names {
		if id := r.Resolve(ctx, n); id != nil {
			out = append(out, DiseaseRef{ID: id.ID, Label: id.Label})
		}
	}
	return out
}
