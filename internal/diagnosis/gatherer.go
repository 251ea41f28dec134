package diagnosis

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/metrics"
)

const (
	sourceKnowledge = "knowledge"
	sourceCases     = "cases"
	sourceRanker    = "ranker"
)

// Gatherer collects evidence from the enabled sources. A disabled or failing
// source contributes an empty collection; Gather itself never fails.
type Gatherer struct {
	cfg    Config
	svc    Services
	logger *zap.Logger
}

// NewGatherer creates a gatherer over the given sources
func NewGatherer(cfg Config, svc Services, logger *zap.Logger) *Gatherer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatherer{cfg: cfg.normalized(), svc: svc, logger: logger.With(zap.String("component", "gatherer"))}
}

// Gather builds a new EvidenceBundle for the phenotype set. Sources run concurrently.
func (g *Gatherer) Gather(ctx context.Context, phenotypes PhenotypeSet) *EvidenceBundle {
	query := phenotypes.String()

	var (
		knowledge []KnowledgeEntry
		cases     []CaseRecord
		ranked    RankedCandidates
	)

	eg, egCtx := errgroup.WithContext(ctx)
	if g.cfg.KnowledgeSearcher && g.svc.Knowledge != nil {
		eg.Go(func() error {
			g.call(egCtx, sourceKnowledge, g.svc.Limits.Knowledge, g.cfg.SearchTimeout, func(c context.Context) (int, error) {
				res, err := g.svc.Knowledge.SearchKnowledge(c, query)
				if err == nil {
					knowledge = res
				}
				return len(res), err
			})
			return nil
		})
	}
	if g.cfg.CaseSearcher && g.svc.Cases != nil {
		eg.Go(func() error {
			g.call(egCtx, sourceCases, g.svc.Limits.Cases, g.cfg.SearchTimeout, func(c context.Context) (int, error) {
				res, err := g.svc.Cases.SearchCases(c, query)
				if err == nil {
					cases = res
				}
				return len(res), err
			})
			return nil
		})
	}
	if g.cfg.PhenotypeAnalyzer && g.svc.Ranker != nil {
		eg.Go(func() error {
			g.call(egCtx, sourceRanker, g.svc.Limits.Ranker, g.cfg.RankerTimeout, func(c context.Context) (int, error) {
				res, err := g.svc.Ranker.RankCandidates(c, phenotypes)
				if err == nil {
					ranked = res
				}
				return len(res.External) + len(res.Generative), err
			})
			return nil
		})
	}
	_ = eg.Wait()

	// Copy everything so the bundle shares no memory with source results or earlier rounds.
	bundle := newEmptyBundle()
	bundle.Knowledge = append(bundle.Knowledge, knowledge...)
	for _, c := range cases {
		bundle.Cases = append(bundle.Cases, cloneCase(c))
	}
	for _, d := range ranked.External {
		if d.Score != nil {
			s := *d.Score
			d.Score = &s
		}
		bundle.Candidates.External = append(bundle.Candidates.External, d)
	}
	bundle.Candidates.Generative = append(bundle.Candidates.Generative, ranked.Generative...)
	return bundle
}

// call runs one source call with its own timeout. Errors are logged, never returned.
func (g *Gatherer) call(ctx context.Context, source string, limiter Limiter, timeout time.Duration, fn func(context.Context) (int, error)) {
	start := time.Now()
	if err := wait(ctx, limiter); err != nil {
		g.logger.Warn("Rate limiter wait aborted", zap.String("source", source), zap.Error(err))
		metrics.RecordSourceCall(source, "rate_limited", 0)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := fn(callCtx)
	elapsed := time.Since(start)
	if circuitbreaker.IsUnavailable(err) {
		g.logger.Info("Evidence source breaker open, skipping", zap.String("source", source))
		metrics.RecordSourceCall(source, "breaker_open", elapsed.Seconds())
		return
	}
	if err != nil {
		g.logger.Warn("Evidence source unavailable, continuing without it",
			zap.String("source", source),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		metrics.RecordSourceCall(source, "error", elapsed.Seconds())
		return
	}
	g.logger.Debug("Evidence source returned",
		zap.String("source", source),
		zap.Int("items", n),
		zap.Duration("elapsed", elapsed))
	metrics.RecordSourceCall(source, "ok", elapsed.Seconds())
}

func cloneCase(c CaseRecord) CaseRecord {
	if c == nil {
		return CaseRecord{}
	}
	out := make(CaseRecord, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case CaseRecord:
		return cloneCase(t)
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
