package diagnosis

import "time"

// Config controls which evidence sources run and how the two loops are bounded.
type Config struct {
	KnowledgeSearcher bool
	CaseSearcher      bool
	PhenotypeAnalyzer bool
	DiseaseNormalizer bool
	SelfReflection    bool

	// MaxRetry bounds orchestration rounds per run.
	MaxRetry int
	// MaxReflection bounds reflection rounds per orchestration round.
	MaxReflection int

	MinSimilarity float64
	MaxDistance   float64

	SearchTimeout     time.Duration
	RankerTimeout     time.Duration
	NormalizeTimeout  time.Duration
	GenerationTimeout time.Duration
}

// DefaultConfig mirrors the defaults of config/diagnosis.yaml.
func DefaultConfig() Config {
	return Config{
		KnowledgeSearcher: true,
		CaseSearcher:      false,
		PhenotypeAnalyzer: true,
		DiseaseNormalizer: true,
		SelfReflection:    true,
		MaxRetry:          2,
		MaxReflection:     1,
		MinSimilarity:     0.5,
		MaxDistance:       1.3,
		SearchTimeout:     30 * time.Second,
		RankerTimeout:     60 * time.Second,
		NormalizeTimeout:  10 * time.Second,
		GenerationTimeout: 120 * time.Second,
	}
}

// normalized fills zero values with defaults and clamps the loop caps to at least one.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRetry < 1 {
		c.MaxRetry = 1
	}
	if c.MaxReflection < 1 {
		c.MaxReflection = 1
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.RankerTimeout <= 0 {
		c.RankerTimeout = d.RankerTimeout
	}
	if c.NormalizeTimeout <= 0 {
		c.NormalizeTimeout = d.NormalizeTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = d.GenerationTimeout
	}
	return c
}
