package phenotype

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raredx/orchestrator/internal/diagnosis"
)

// Ranker combines the external ranking API and the zero-shot generator.
// Either source may be nil. It implements diagnosis.CandidateRanker.
type Ranker struct {
	external *PubCaseFinder
	zeroShot *ZeroShot
	logger   *zap.Logger
}

func NewRanker(external *PubCaseFinder, zeroShot *ZeroShot, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{external: external, zeroShot: zeroShot, logger: logger}
}

// RankCandidates queries both sources concurrently. A failing source yields an
// empty list; an error is returned only when every configured source failed.
func (r *Ranker) RankCandidates(ctx context.Context, phenotypes diagnosis.PhenotypeSet) (diagnosis.RankedCandidates, error) {
	codes := phenotypes.Codes()
	res := diagnosis.RankedCandidates{
		External:   []diagnosis.RankedDisease{},
		Generative: []diagnosis.DiseaseRef{},
	}
	var extErr, genErr error

	g, gctx := errgroup.WithContext(ctx)
	if r.external != nil {
		g.Go(func() error {
			items, err := r.external.Rank(gctx, codes)
			if err != nil {
				extErr = err
				r.logger.Warn("External ranking failed", zap.Error(err))
				return nil
			}
			res.External = items
			return nil
		})
	}
	if r.zeroShot != nil {
		g.Go(func() error {
			refs, err := r.zeroShot.Rank(gctx, codes)
			if err != nil {
				genErr = err
				r.logger.Warn("Zero-shot ranking failed", zap.Error(err))
				return nil
			}
			res.Generative = refs
			return nil
		})
	}
	_ = g.Wait()

	externalDown := r.external == nil || extErr != nil
	generativeDown := r.zeroShot == nil || genErr != nil
	if externalDown && generativeDown && (extErr != nil || genErr != nil) {
		return res, errors.Join(extErr, genErr)
	}
	return res, nil
}
