// Package vectordb is a minimal Qdrant HTTP client for the disease name index.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	ometrics "github.com/raredx/orchestrator/internal/metrics"
)

// Client is a minimal Qdrant HTTP client bound to one collection
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

func NewClient(cfg Config, breaker circuitbreaker.Config, logger *zap.Logger) *Client {
	c := cfg
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "omim_diseases"
	}
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	httpClient := &http.Client{Timeout: c.Timeout}
	return &Client{
		cfg:   c,
		base:  strings.TrimRight(base, "/"),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", breaker, logger),
		log:   logger,
	}
}

// Collection returns the collection the client reads and writes.
func (c *Client) Collection() string { return c.cfg.Collection }

// PointID derives a stable point id from an external identifier, so repeated
// index builds overwrite instead of duplicating.
func PointID(externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("raredx:"+externalID)).String()
}

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []Point `json:"result"`
	Status string  `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search returns the nearest points to vec. It prefers /points/query and falls
// back to /points/search on servers that predate it.
func (c *Client) Search(ctx context.Context, vec []float32, limit int, threshold float64) ([]Point, error) {
	collection := c.cfg.Collection
	start := time.Now()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, err := json.Marshal(qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true})
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/query", c.base, collection), buf)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		var qr qdrantQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result.Points, nil
	}

	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	if threshold > 0 {
		legacy["score_threshold"] = threshold
	}
	buf2, _ := json.Marshal(legacy)
	resp2, err := c.send(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// Upsert inserts or updates points in the collection
func (c *Client) Upsert(ctx context.Context, points []UpsertItem) (*UpsertResponse, error) {
	buf, err := json.Marshal(map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, c.cfg.Collection), buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r struct {
		Result UpsertResponse `json:"result"`
		Time   float64        `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	r.Result.Time = r.Time
	return &r.Result, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpw.Do(req)
}
