// Package casesearch queries a similar case search service for published
// patient cases matching a phenotype description.
package casesearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/diagnosis"
)

// Config configures the case search client.
type Config struct {
	BaseURL             string
	Collection          string
	Metric              string
	TopK                int
	MinCosineSimilarity float64
	MaxDistance         float64
	Timeout             time.Duration
}

// DefaultConfig returns the public service settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "https://togoseek.dbcls.jp",
		Collection:          "case",
		Metric:              "euclid",
		TopK:                5,
		MinCosineSimilarity: 0.3,
		MaxDistance:         1.3,
		Timeout:             30 * time.Second,
	}
}

// Client implements diagnosis.CaseSearcher.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

type searchRequest struct {
	Query               string  `json:"query"`
	Collection          string  `json:"collection"`
	Metric              string  `json:"metric"`
	TopK                int     `json:"topK"`
	MinCosineSimilarity float64 `json:"minCosineSimilarity"`
	MaxDistance         float64 `json:"maxDistance"`
}

type searchResponse struct {
	Results []diagnosis.CaseRecord `json:"results"`
}

// NewClient creates a case search client guarded by its own breaker.
func NewClient(cfg Config, breaker circuitbreaker.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.Metric == "" {
		cfg.Metric = def.Metric
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(hc, "togoseek", "case-search", breaker, logger),
		logger: logger,
	}
}

// SearchCases returns the cases most similar to query. An empty result is not an error.
func (c *Client) SearchCases(ctx context.Context, query string) ([]diagnosis.CaseRecord, error) {
	body, err := json.Marshal(searchRequest{
		Query:               query,
		Collection:          c.cfg.Collection,
		Metric:              c.cfg.Metric,
		TopK:                c.cfg.TopK,
		MinCosineSimilarity: c.cfg.MinCosineSimilarity,
		MaxDistance:         c.cfg.MaxDistance,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("case search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("case search status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode case search response: %w", err)
	}
	if out.Results == nil {
		out.Results = []diagnosis.CaseRecord{}
	}
	c.logger.Debug("Case search completed",
		zap.String("collection", c.cfg.Collection),
		zap.Int("results", len(out.Results)))
	return out.Results, nil
}
