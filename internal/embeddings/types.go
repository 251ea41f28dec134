package embeddings

import "time"

// Task types select the embedding space for asymmetric retrieval models.
const (
	TaskQuery    = "RETRIEVAL_QUERY"
	TaskDocument = "RETRIEVAL_DOCUMENT"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config controls the embedding service behavior
type Config struct {
	// Provider is gemini or openai
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// CacheTTL sets TTL for shared cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}
