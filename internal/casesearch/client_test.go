package casesearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

func TestSearchCases_SendsQueryAndDecodesResults(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results":[{"id":"case-1","distance":0.8},{"id":"case-2","distance":1.1}]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/"
	c := NewClient(cfg, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))

	cases, err := c.SearchCases(context.Background(), "HP:0001250, HP:0001263")
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "case-1", cases[0]["id"])

	assert.Equal(t, "HP:0001250, HP:0001263", got.Query)
	assert.Equal(t, "case", got.Collection)
	assert.Equal(t, "euclid", got.Metric)
	assert.Equal(t, 5, got.TopK)
	assert.InDelta(t, 0.3, got.MinCosineSimilarity, 1e-9)
	assert.InDelta(t, 1.3, got.MaxDistance, 1e-9)
}

func TestSearchCases_MissingResultsIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := NewClient(cfg, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))

	cases, err := c.SearchCases(context.Background(), "HP:0000001")
	require.NoError(t, err)
	assert.NotNil(t, cases)
	assert.Empty(t, cases)
}

func TestSearchCases_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	c := NewClient(cfg, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))

	_, err := c.SearchCases(context.Background(), "HP:0000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
