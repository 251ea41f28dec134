// Package wiring assembles the diagnosis runtime from a configuration snapshot.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raredx/orchestrator/internal/casesearch"
	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/config"
	"github.com/raredx/orchestrator/internal/db"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/embeddings"
	"github.com/raredx/orchestrator/internal/health"
	"github.com/raredx/orchestrator/internal/knowledge"
	"github.com/raredx/orchestrator/internal/llm"
	"github.com/raredx/orchestrator/internal/normalizer"
	"github.com/raredx/orchestrator/internal/phenotype"
	"github.com/raredx/orchestrator/internal/ratecontrol"
	"github.com/raredx/orchestrator/internal/streaming"
	"github.com/raredx/orchestrator/internal/vectordb"
)

// Options adjusts what Build brings up.
type Options struct {
	// Mode labels run metrics, e.g. "api" or "cli".
	Mode string
	// SkipStore leaves the run store closed even when it is enabled.
	SkipStore bool
	// ForgetAfter drops the replay history of a run this long after its
	// completion event. Zero keeps history until the process exits.
	ForgetAfter time.Duration
	// HealthInterval is the background health check period.
	HealthInterval time.Duration
}

// Runtime holds every long lived collaborator of the process.
type Runtime struct {
	Config       *config.Config
	Services     diagnosis.Services
	Prompts      diagnosis.PromptSet
	Orchestrator *diagnosis.Orchestrator
	Streams      *streaming.Manager
	Health       *health.Manager
	// Store is nil when persistence is disabled.
	Store *db.Client
	// Embeddings is nil when disease normalization is disabled.
	Embeddings *embeddings.Service
	// Vector is set for the qdrant normalizer backend.
	Vector *vectordb.Client
	Redis  *circuitbreaker.RedisWrapper

	mode    string
	logger  *zap.Logger
	closers []func() error
}

// Build wires clients, limiters, the orchestrator, the event stream and the
// run store. Close releases them.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	rt := &Runtime{
		Config:  cfg,
		Streams: streaming.NewManager(cfg.Streaming.Capacity, logger),
		Health:  health.NewManager(opts.HealthInterval, logger),
		mode:    opts.Mode,
		logger:  logger,
	}
	breaker := BreakerConfig(cfg.CircuitBreaker)

	limits, err := rt.limits(cfg)
	if err != nil {
		return nil, err
	}

	prompts, err := diagnosis.LoadPrompts(cfg.Diagnosis.PromptsDir)
	if err != nil {
		return nil, err
	}
	rt.Prompts = prompts

	if cfg.Redis.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.Redis = circuitbreaker.NewRedisWrapper(rc, "embedding-cache", breaker, logger)
		rt.closers = append(rt.closers, rc.Close)
		_ = rt.Health.RegisterChecker(health.NewRedisHealthChecker(rt.Redis, logger))
	}

	svc := diagnosis.Services{Limits: limits}
	if err := rt.buildSources(cfg, breaker, &svc); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.buildNormalizer(cfg, breaker, &svc); err != nil {
		rt.Close()
		return nil, err
	}
	rt.buildRanker(cfg, breaker, &svc)
	rt.Services = svc

	if cfg.Store.Enabled && !opts.SkipStore {
		store, err := db.Open(ctx, db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, breaker, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open run store: %w", err)
		}
		rt.Store = store
		rt.closers = append(rt.closers, store.Close)
		_ = rt.Health.RegisterChecker(health.NewDatabaseHealthChecker(store.Wrapper(), logger))
	}
	rt.hookStreams(opts.ForgetAfter)

	_ = rt.Health.RegisterChecker(health.NewBreakerChecker(circuitbreaker.GlobalMetricsCollector))
	rt.Orchestrator = rt.NewOrchestrator(cfg)

	logger.Info("Diagnosis runtime ready",
		zap.String("mode", opts.Mode),
		zap.Bool("store", rt.Store != nil),
		zap.Bool("redis", rt.Redis != nil),
		zap.String("normalizer", normalizerBackend(cfg, svc)),
		zap.Strings("health_checks", rt.Health.Names()))
	return rt, nil
}

// NewOrchestrator builds an orchestrator for cfg over the already wired
// services. A reload swaps toggles, loop caps and timeouts without
// reconnecting anything.
func (rt *Runtime) NewOrchestrator(cfg *config.Config) *diagnosis.Orchestrator {
	dcfg := DiagnosisConfig(cfg)
	if rt.Services.Normalizer == nil {
		dcfg.DiseaseNormalizer = false
	}
	return diagnosis.New(dcfg, rt.Services, rt.logger,
		diagnosis.WithObserver(rt.Streams),
		diagnosis.WithPrompts(rt.Prompts),
		diagnosis.WithMode(rt.mode))
}

// Close releases the store and the Redis client.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) buildSources(cfg *config.Config, breaker circuitbreaker.Config, svc *diagnosis.Services) error {
	svc.Knowledge = knowledge.NewClient(knowledge.Config{
		BaseURL:   cfg.Knowledge.BaseURL,
		Language:  cfg.Knowledge.Language,
		UserAgent: cfg.Knowledge.UserAgent,
		Timeout:   cfg.Timeouts.Search,
	}, breaker, rt.logger)

	svc.Cases = casesearch.NewClient(casesearch.Config{
		BaseURL:             cfg.CaseSearch.BaseURL,
		Collection:          cfg.CaseSearch.Collection,
		Metric:              cfg.CaseSearch.Metric,
		TopK:                cfg.CaseSearch.TopK,
		MinCosineSimilarity: cfg.CaseSearch.MinCosineSimilarity,
		MaxDistance:         cfg.CaseSearch.MaxDistance,
		Timeout:             cfg.Timeouts.Search,
	}, breaker, rt.logger)

	gen, err := llm.NewClient(llm.Config{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxAttempts:    cfg.LLM.MaxAttempts,
		InitialBackoff: cfg.LLM.InitialBackoff,
		Timeout:        cfg.Timeouts.Generation,
	}, breaker, rt.logger)
	if err != nil {
		return fmt.Errorf("generation client: %w", err)
	}
	svc.Generator = gen

	if cfg.Phenotype.HPOMappingPath != "" {
		m, err := phenotype.LoadMapping(cfg.Phenotype.HPOMappingPath)
		if err != nil {
			return err
		}
		svc.Labeler = m
	}
	return nil
}

func (rt *Runtime) buildNormalizer(cfg *config.Config, breaker circuitbreaker.Config, svc *diagnosis.Services) error {
	if !cfg.Diagnosis.DiseaseNormalizer {
		return nil
	}
	var cache embeddings.EmbeddingCache
	if rt.Redis != nil {
		cache = embeddings.NewRedisCache(rt.Redis)
	}
	emb, err := embeddings.NewService(EmbeddingsConfig(cfg), cache, breaker, rt.logger)
	if err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	rt.Embeddings = emb

	switch cfg.Normalizer.Backend {
	case "qdrant":
		rt.Vector = vectordb.NewClient(VectorConfig(cfg), breaker, rt.logger)
		svc.Normalizer = normalizer.NewRemote(emb, rt.Vector, rt.logger)
	default:
		idx, err := normalizer.LoadIndex(cfg.Normalizer.IndexPath)
		if err != nil {
			// Runs still complete with unverified status; build the index to enable reflection.
			rt.logger.Warn("Disease index unavailable, normalization disabled",
				zap.String("path", cfg.Normalizer.IndexPath),
				zap.Error(err))
			return nil
		}
		if idx.Model != "" && idx.Model != emb.Model() {
			rt.logger.Warn("Disease index was built with a different embedding model",
				zap.String("index_model", idx.Model),
				zap.String("model", emb.Model()))
		}
		svc.Normalizer = normalizer.NewLocal(emb, idx, rt.logger)
		_ = rt.Health.RegisterChecker(health.NewCustomHealthChecker("disease-index", false, 0, func(context.Context) error {
			if idx.Len() == 0 {
				return errors.New("disease index is empty")
			}
			return nil
		}))
	}
	return nil
}

// buildRanker combines the external ranking service with zero-shot generation.
// Zero-shot names resolve through the same normalizer the reflection uses.
func (rt *Runtime) buildRanker(cfg *config.Config, breaker circuitbreaker.Config, svc *diagnosis.Services) {
	external := phenotype.NewPubCaseFinder(phenotype.PubCaseFinderConfig{
		BaseURL: cfg.PubCaseFinder.BaseURL,
		Target:  cfg.PubCaseFinder.Target,
		TopN:    cfg.PubCaseFinder.TopN,
		Timeout: cfg.Timeouts.Ranker,
	}, breaker, rt.logger)

	var zeroShot *phenotype.ZeroShot
	if cfg.Phenotype.ZeroShot && svc.Generator != nil {
		rcfg := DiagnosisConfig(cfg)
		rcfg.DiseaseNormalizer = svc.Normalizer != nil
		gen := diagnosis.NewPacedGenerator(svc.Generator, svc.Limits.Generation, rcfg.GenerationTimeout, phenotype.ZeroShotPurpose)
		zeroShot = phenotype.NewZeroShot(gen, diagnosis.NewResolver(rcfg, *svc, rt.logger))
	}
	svc.Ranker = phenotype.NewRanker(external, zeroShot, rt.logger)
}

// hookStreams persists every published event and schedules history cleanup.
func (rt *Runtime) hookStreams(forgetAfter time.Duration) {
	store := rt.Store
	mgr := rt.Streams
	mgr.OnPublish(func(ev streaming.Event) {
		if store != nil {
			if err := store.EnqueueEvent(db.EventLogFromStream(ev)); err != nil && !errors.Is(err, db.ErrClosed) {
				rt.logger.Debug("Event not persisted", zap.String("run_id", ev.RunID), zap.Error(err))
			}
		}
		if forgetAfter > 0 && ev.Terminal() {
			runID := ev.RunID
			time.AfterFunc(forgetAfter, func() { mgr.Forget(runID) })
		}
	})
}

func (rt *Runtime) limits(cfg *config.Config) (diagnosis.Limits, error) {
	reg, err := ratecontrol.Load(cfg.Path)
	if err != nil {
		return diagnosis.Limits{}, err
	}
	l := Limits(reg)
	if d := cfg.CaseSearch.RequestDelay; d > 0 && d > ratecontrol.Interval(reg.LimitFor(ratecontrol.ServiceCases)) {
		l.Cases = rate.NewLimiter(rate.Every(d), 1)
	}
	return l, nil
}

// Limits maps the registry's shared limiters onto the orchestrator services.
// Unlimited services get a nil Limiter.
func Limits(reg *ratecontrol.Registry) diagnosis.Limits {
	get := func(service string) diagnosis.Limiter {
		if l := reg.Limiter(service); l != nil {
			return l
		}
		return nil
	}
	return diagnosis.Limits{
		Cases:      get(ratecontrol.ServiceCases),
		Knowledge:  get(ratecontrol.ServiceKnowledge),
		Ranker:     get(ratecontrol.ServiceRanker),
		Normalizer: get(ratecontrol.ServiceNormalizer),
		Generation: get(ratecontrol.ServiceGeneration),
	}
}

// BreakerConfig applies the configured thresholds over the breaker defaults.
func BreakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	out := circuitbreaker.DefaultConfig()
	if c.MaxRequests > 0 {
		out.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	return out
}

// EmbeddingsConfig extracts the embedding client settings of cfg.
func EmbeddingsConfig(cfg *config.Config) embeddings.Config {
	return embeddings.Config{
		Provider: cfg.Embeddings.Provider,
		BaseURL:  cfg.Embeddings.BaseURL,
		Model:    cfg.Embeddings.Model,
		APIKey:   cfg.Embeddings.APIKey,
		Timeout:  cfg.Embeddings.Timeout,
		CacheTTL: cfg.Embeddings.CacheTTL,
		MaxLRU:   cfg.Embeddings.CacheSize,
	}
}

func VectorConfig(cfg *config.Config) vectordb.Config {
	return vectordb.Config{
		Host:       cfg.Vector.Host,
		Port:       cfg.Vector.Port,
		Collection: cfg.Vector.Collection,
		Timeout:    cfg.Vector.Timeout,
	}
}

// DiagnosisConfig extracts the orchestrator settings of cfg.
func DiagnosisConfig(cfg *config.Config) diagnosis.Config {
	return diagnosis.Config{
		KnowledgeSearcher: cfg.Diagnosis.KnowledgeSearcher,
		CaseSearcher:      cfg.Diagnosis.CaseSearcher,
		PhenotypeAnalyzer: cfg.Diagnosis.PhenotypeAnalyzer,
		DiseaseNormalizer: cfg.Diagnosis.DiseaseNormalizer,
		SelfReflection:    cfg.Diagnosis.SelfReflection,
		MaxRetry:          cfg.Diagnosis.MaxRetry,
		MaxReflection:     cfg.Diagnosis.MaxReflection,
		MinSimilarity:     cfg.Normalizer.MinSimilarity,
		MaxDistance:       cfg.Normalizer.MaxDistance,
		SearchTimeout:     cfg.Timeouts.Search,
		RankerTimeout:     cfg.Timeouts.Ranker,
		NormalizeTimeout:  cfg.Timeouts.Normalize,
		GenerationTimeout: cfg.Timeouts.Generation,
	}
}

func normalizerBackend(cfg *config.Config, svc diagnosis.Services) string {
	if svc.Normalizer == nil {
		return "disabled"
	}
	if cfg.Normalizer.Backend == "" {
		return "local"
	}
	return cfg.Normalizer.Backend
}
