package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	ometrics "github.com/raredx/orchestrator/internal/metrics"
)

const lruTTL = 30 * time.Minute

// Service provides embedding generation with caching
type Service struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	cache  EmbeddingCache
	lru    *LocalLRU
	logger *zap.Logger
}

// NewService creates an embedding service. cache may be nil.
func NewService(cfg Config, cache EmbeddingCache, breaker circuitbreaker.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg
	switch c.Provider {
	case "", ProviderGemini:
		c.Provider = ProviderGemini
		if c.BaseURL == "" {
			c.BaseURL = "https://generativelanguage.googleapis.com"
		}
		if c.Model == "" {
			c.Model = "embedding-001"
		}
	case ProviderOpenAI:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model == "" {
			c.Model = "text-embedding-3-small"
		}
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", c.Provider)
	}
	c.Model = strings.TrimPrefix(c.Model, "models/")
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	hc := &http.Client{Timeout: c.Timeout}
	return &Service{
		cfg:    c,
		httpw:  circuitbreaker.NewHTTPWrapper(hc, "embeddings-"+c.Provider, "embeddings", breaker, logger),
		cache:  cache,
		lru:    NewLocalLRU(c.MaxLRU),
		logger: logger,
	}, nil
}

// Model returns the embedding model in use.
func (s *Service) Model() string { return s.cfg.Model }

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text, task string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one request, serving what it can from the caches.
// The result is aligned with texts.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := s.cfg.Model

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int
	for i, text := range texts {
		key := MakeKey(m, task, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				ometrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	var vecs [][]float32
	var err error
	switch s.cfg.Provider {
	case ProviderOpenAI:
		vecs, err = s.embedOpenAI(ctx, uncachedTexts)
	default:
		vecs, err = s.embedGemini(ctx, uncachedTexts, task)
	}
	if err != nil {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(vecs) != len(uncachedTexts) {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(vecs), len(uncachedTexts))
	}

	for i, vec := range vecs {
		results[uncachedIndices[i]] = vec
		key := MakeKey(m, task, uncachedTexts[i])
		s.lru.Set(ctx, key, vec, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	ometrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())
	return results, nil
}

type geminiEmbedRequest struct {
	Model   string `json:"model"`
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	TaskType string `json:"taskType,omitempty"`
}

type geminiBatchResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

func (s *Service) embedGemini(ctx context.Context, texts []string, task string) ([][]float32, error) {
	model := "models/" + s.cfg.Model
	reqs := make([]geminiEmbedRequest, len(texts))
	for i, t := range texts {
		reqs[i].Model = model
		reqs[i].TaskType = task
		reqs[i].Content.Parts = append(reqs[i].Content.Parts, struct {
			Text string `json:"text"`
		}{Text: t})
	}
	u := fmt.Sprintf("%s/v1beta/%s:batchEmbedContents", s.cfg.BaseURL, model)

	var out geminiBatchResponse
	headers := map[string]string{"x-goog-api-key": s.cfg.APIKey}
	if err := s.postJSON(ctx, u, headers, map[string]interface{}{"requests": reqs}, &out); err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(out.Embeddings))
	for i, e := range out.Embeddings {
		vecs[i] = toFloat32(e.Values)
	}
	return vecs, nil
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (s *Service) embedOpenAI(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]interface{}{"model": s.cfg.Model, "input": texts}
	headers := map[string]string{"Authorization": "Bearer " + s.cfg.APIKey}

	var out openAIEmbedResponse
	if err := s.postJSON(ctx, s.cfg.BaseURL+"/embeddings", headers, body, &out); err != nil {
		return nil, err
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = toFloat32(d.Embedding)
	}
	return vecs, nil
}

func (s *Service) postJSON(ctx context.Context, u string, headers map[string]string, in, out interface{}) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, f := range in {
		out[i] = float32(f)
	}
	return out
}
