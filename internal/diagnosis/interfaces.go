package diagnosis

import "context"

// CaseSearcher finds similar published cases for a phenotype query.
type CaseSearcher interface {
	SearchCases(ctx context.Context, query string) ([]CaseRecord, error)
}

// KnowledgeSearcher returns free-text knowledge for a query.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, query string) ([]KnowledgeEntry, error)
}

// CandidateRanker ranks candidate diseases for a set of phenotype codes.
type CandidateRanker interface {
	RankCandidates(ctx context.Context, phenotypes PhenotypeSet) (RankedCandidates, error)
}

// Match is the single best normalization hit. Distance is nil when the backend
// reports similarity only.
type Match struct {
	ID         string
	Label      string
	Similarity float64
	Distance   *float64
}

// NameNormalizer maps a free-text disease name to its best canonical match.
// A nil match with a nil error means nothing was found.
type NameNormalizer interface {
	Normalize(ctx context.Context, name string) (*Match, error)
}

// TextGenerator completes a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Limiter paces calls toward one external service. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// PhenotypeLabeler renders codes with human readable labels for prompts.
type PhenotypeLabeler interface {
	Label(codes []string) []string
}

// Observer receives progress events of a run.
type Observer interface {
	Observe(runID string, ev Event)
}

// Limits holds the per-service limiters. Nil entries are unlimited.
type Limits struct {
	Cases      Limiter
	Knowledge  Limiter
	Ranker     Limiter
	Normalizer Limiter
	Generation Limiter
}

// Services bundles every external collaborator of the orchestrator.
type Services struct {
	Cases      CaseSearcher
	Knowledge  KnowledgeSearcher
	Ranker     CandidateRanker
	Normalizer NameNormalizer
	Generator  TextGenerator
	Labeler    PhenotypeLabeler
	Limits     Limits
}

func wait(ctx context.Context, l Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
