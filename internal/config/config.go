package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultPath is used when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "./config/diagnosis.yaml"

// EnvPrefix prefixes every environment override, e.g. RAREDX_DIAGNOSIS_MAX_RETRY.
const EnvPrefix = "RAREDX"

// Config is the immutable runtime configuration. Callers must not modify a
// loaded Config; the watcher publishes a new one on every reload.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Diagnosis      DiagnosisConfig      `mapstructure:"diagnosis"`
	Timeouts       TimeoutsConfig       `mapstructure:"timeouts"`
	CaseSearch     CaseSearchConfig     `mapstructure:"case_search"`
	Knowledge      KnowledgeConfig      `mapstructure:"knowledge"`
	PubCaseFinder  PubCaseFinderConfig  `mapstructure:"pubcasefinder"`
	Phenotype      PhenotypeConfig      `mapstructure:"phenotype"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Embeddings     EmbeddingsConfig     `mapstructure:"embeddings"`
	Normalizer     NormalizerConfig     `mapstructure:"normalizer"`
	Vector         VectorConfig         `mapstructure:"vector"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Store          StoreConfig          `mapstructure:"store"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Temporal       TemporalConfig       `mapstructure:"temporal"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Streaming      StreamingConfig      `mapstructure:"streaming"`

	// Path is the file the configuration was read from, empty when defaults only.
	Path string `mapstructure:"-"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DiagnosisConfig holds the toggles and loop bounds of the orchestrator.
type DiagnosisConfig struct {
	KnowledgeSearcher bool   `mapstructure:"knowledge_searcher"`
	CaseSearcher      bool   `mapstructure:"case_searcher"`
	PhenotypeAnalyzer bool   `mapstructure:"phenotype_analyzer"`
	DiseaseNormalizer bool   `mapstructure:"disease_normalizer"`
	SelfReflection    bool   `mapstructure:"self_reflection"`
	MaxRetry          int    `mapstructure:"max_retry"`
	MaxReflection     int    `mapstructure:"max_reflection"`
	PromptsDir        string `mapstructure:"prompts_dir"`
}

type TimeoutsConfig struct {
	Search     time.Duration `mapstructure:"search"`
	Ranker     time.Duration `mapstructure:"ranker"`
	Normalize  time.Duration `mapstructure:"normalize"`
	Generation time.Duration `mapstructure:"generation"`
}

// CaseSearchConfig configures the similar case search service.
type CaseSearchConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Collection          string        `mapstructure:"collection"`
	Metric              string        `mapstructure:"metric"`
	TopK                int           `mapstructure:"top_k"`
	MinCosineSimilarity float64       `mapstructure:"min_cosine_similarity"`
	MaxDistance         float64       `mapstructure:"max_distance"`
	RequestDelay        time.Duration `mapstructure:"request_delay"`
}

type KnowledgeConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Language  string `mapstructure:"language"`
	UserAgent string `mapstructure:"user_agent"`
}

type PubCaseFinderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Target  string `mapstructure:"target"`
	TopN    int    `mapstructure:"top_n"`
}

type PhenotypeConfig struct {
	HPOMappingPath string `mapstructure:"hpo_mapping_path"`
	ZeroShot       bool   `mapstructure:"zero_shot"`
}

// LLMConfig selects the text generation backend.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxAttempts    uint64        `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type EmbeddingsConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheSize    int           `mapstructure:"cache_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchDelay   time.Duration `mapstructure:"batch_delay"`
	FailureDelay time.Duration `mapstructure:"failure_delay"`
}

// NormalizerConfig selects where disease names are matched.
type NormalizerConfig struct {
	Backend       string  `mapstructure:"backend"`
	IndexPath     string  `mapstructure:"index_path"`
	OMIMPath      string  `mapstructure:"omim_path"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
	MaxDistance   float64 `mapstructure:"max_distance"`
}

type VectorConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type StreamingConfig struct {
	Capacity int `mapstructure:"capacity"`
}

var defaults = map[string]interface{}{
	"server.port":             8081,
	"server.metrics_port":     2112,
	"server.shutdown_timeout": 15 * time.Second,

	"logging.level":  "info",
	"logging.format": "json",

	"diagnosis.knowledge_searcher": true,
	"diagnosis.case_searcher":      false,
	"diagnosis.phenotype_analyzer": true,
	"diagnosis.disease_normalizer": true,
	"diagnosis.self_reflection":    true,
	"diagnosis.max_retry":          2,
	"diagnosis.max_reflection":     1,
	"diagnosis.prompts_dir":        "",

	"timeouts.search":     30 * time.Second,
	"timeouts.ranker":     60 * time.Second,
	"timeouts.normalize":  10 * time.Second,
	"timeouts.generation": 120 * time.Second,

	"case_search.base_url":              "https://togoseek.dbcls.jp",
	"case_search.collection":            "case",
	"case_search.metric":                "euclid",
	"case_search.top_k":                 5,
	"case_search.min_cosine_similarity": 0.3,
	"case_search.max_distance":          1.3,
	"case_search.request_delay":         100 * time.Millisecond,

	"knowledge.base_url":   "https://%s.wikipedia.org",
	"knowledge.language":   "en",
	"knowledge.user_agent": "raredx-orchestrator/1.0",

	"pubcasefinder.base_url": "https://pubcasefinder.dbcls.jp",
	"pubcasefinder.target":   "omim",
	"pubcasefinder.top_n":    5,

	"phenotype.hpo_mapping_path": "",
	"phenotype.zero_shot":        true,

	"llm.provider":        "gemini",
	"llm.base_url":        "https://generativelanguage.googleapis.com",
	"llm.model":           "gemini-2.5-flash",
	"llm.api_key":         "",
	"llm.temperature":     0.0,
	"llm.max_tokens":      0,
	"llm.max_attempts":    3,
	"llm.initial_backoff": time.Second,

	"embeddings.provider":      "gemini",
	"embeddings.base_url":      "https://generativelanguage.googleapis.com",
	"embeddings.model":         "embedding-001",
	"embeddings.api_key":       "",
	"embeddings.timeout":       30 * time.Second,
	"embeddings.cache_ttl":     24 * time.Hour,
	"embeddings.cache_size":    2048,
	"embeddings.batch_size":    100,
	"embeddings.batch_delay":   time.Second,
	"embeddings.failure_delay": 10 * time.Second,

	"normalizer.backend":        "local",
	"normalizer.index_path":     "./data/omim_index.json",
	"normalizer.omim_path":      "./data/omim_mapping.json",
	"normalizer.min_similarity": 0.5,
	"normalizer.max_distance":   1.3,

	"vector.host":       "localhost",
	"vector.port":       6333,
	"vector.collection": "omim_diseases",
	"vector.timeout":    5 * time.Second,

	"redis.enabled":  false,
	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"store.enabled": true,
	"store.driver":  "sqlite3",
	"store.dsn":     "file:raredx.db?cache=shared&_busy_timeout=5000",

	"auth.enabled":    false,
	"auth.jwt_secret": "",
	"auth.issuer":     "raredx",

	"temporal.enabled":    false,
	"temporal.host":       "localhost:7233",
	"temporal.namespace":  "default",
	"temporal.task_queue": "raredx-diagnosis",

	"tracing.enabled":       false,
	"tracing.service_name":  "raredx-orchestrator",
	"tracing.otlp_endpoint": "localhost:4317",
	"tracing.sample_ratio":  1.0,

	"circuit_breaker.max_requests":      1,
	"circuit_breaker.interval":          30 * time.Second,
	"circuit_breaker.timeout":           60 * time.Second,
	"circuit_breaker.failure_threshold": 5,

	"streaming.capacity": 256,
}

// ResolvePath returns path, else $CONFIG_PATH, else DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the configuration file at path (see ResolvePath) over the
// built-in defaults and applies RAREDX_* environment overrides. A missing
// file at the default location is not an error.
func Load(path string) (*Config, error) {
	explicit := path != "" || os.Getenv("CONFIG_PATH") != ""
	path = ResolvePath(path)

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := newViper()
	cfgPath := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfgPath = path
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = cfgPath
	applySecretFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the configuration with no file and no environment applied.
func Defaults() *Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applySecretFallbacks reads provider keys from their conventional variables
// when no RAREDX_* override was given.
func applySecretFallbacks(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "gemini":
			cfg.LLM.APIKey = os.Getenv("GOOGLE_API_KEY")
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Embeddings.APIKey == "" {
		switch cfg.Embeddings.Provider {
		case "gemini":
			cfg.Embeddings.APIKey = os.Getenv("GOOGLE_API_KEY")
		case "openai":
			cfg.Embeddings.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Diagnosis.MaxRetry < 1 {
		errs = append(errs, fmt.Errorf("diagnosis.max_retry must be >= 1, got %d", c.Diagnosis.MaxRetry))
	}
	if c.Diagnosis.MaxReflection < 1 {
		errs = append(errs, fmt.Errorf("diagnosis.max_reflection must be >= 1, got %d", c.Diagnosis.MaxReflection))
	}
	if c.Normalizer.MinSimilarity < 0 || c.Normalizer.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("normalizer.min_similarity must be within [0,1], got %v", c.Normalizer.MinSimilarity))
	}
	if c.Normalizer.MaxDistance < 0 {
		errs = append(errs, fmt.Errorf("normalizer.max_distance must be >= 0, got %v", c.Normalizer.MaxDistance))
	}
	switch c.Normalizer.Backend {
	case "local", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("normalizer.backend must be local or qdrant, got %q", c.Normalizer.Backend))
	}
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be gemini or openai, got %q", c.LLM.Provider))
	}
	switch c.Embeddings.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be gemini or openai, got %q", c.Embeddings.Provider))
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite3 or postgres, got %q", c.Store.Driver))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}
	if c.CaseSearch.TopK < 1 {
		errs = append(errs, fmt.Errorf("case_search.top_k must be >= 1, got %d", c.CaseSearch.TopK))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
