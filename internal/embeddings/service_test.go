package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

func geminiServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/v1beta/models/embedding-001:batchEmbedContents", r.URL.Path)
		var body struct {
			Requests []geminiEmbedRequest `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		resp := geminiBatchResponse{}
		for _, req := range body.Requests {
			assert.Equal(t, "models/embedding-001", req.Model)
			assert.Equal(t, TaskQuery, req.TaskType)
			n := float64(len(req.Content.Parts[0].Text))
			resp.Embeddings = append(resp.Embeddings, struct {
				Values []float64 `json:"values"`
			}{Values: []float64{n, 1}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedBatch_GeminiAlignsAndCaches(t *testing.T) {
	var calls int32
	srv := geminiServer(t, &calls)
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL, Model: "models/embedding-001"}, nil, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	vecs, err := svc.EmbedBatch(ctx, []string{"a", "bbb"}, TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {3, 1}}, vecs)

	// "a" is served from the LRU, only "cc" goes out.
	vecs, err = svc.EmbedBatch(ctx, []string{"cc", "a"}, TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {1, 1}}, vecs)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	v, err := svc.Embed(ctx, "bbb", TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedBatch_GeminiKeyInHeaderOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SECRET-KEY-123", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.RawQuery)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL, APIKey: "SECRET-KEY-123", Timeout: 50 * time.Millisecond},
		nil, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = svc.EmbedBatch(context.Background(), []string{"x"}, TaskQuery)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-KEY-123")
}

func TestEmbedBatch_OpenAIOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,2]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	svc, err := NewService(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, APIKey: "k"}, nil, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(context.Background(), []string{"x", "y"}, TaskDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 2}}, vecs)
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[1]}]}`))
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL}, nil, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = svc.EmbedBatch(context.Background(), []string{"x", "y"}, TaskDocument)
	assert.Error(t, err)
}

func TestEmbed_ServedFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	logger := zaptest.NewLogger(t)
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(client, "embedding-cache", circuitbreaker.DefaultConfig(), logger))

	var calls int32
	srv := geminiServer(t, &calls)
	defer srv.Close()

	first, err := NewService(Config{BaseURL: srv.URL, CacheTTL: time.Hour}, cache, circuitbreaker.DefaultConfig(), logger)
	require.NoError(t, err)
	_, err = first.Embed(context.Background(), "seizure", TaskQuery)
	require.NoError(t, err)
	assert.True(t, mr.Exists(MakeKey("embedding-001", TaskQuery, "seizure")))

	// A fresh replica with an empty LRU reads the shared cache.
	second, err := NewService(Config{BaseURL: srv.URL}, cache, circuitbreaker.DefaultConfig(), logger)
	require.NoError(t, err)
	v, err := second.Embed(context.Background(), "seizure", TaskQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 1}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLocalLRU_EvictsAndExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLRU(2)
	l.Set(ctx, "a", []float32{1}, time.Minute)
	l.Set(ctx, "b", []float32{2}, time.Minute)
	_, _ = l.Get(ctx, "a")
	l.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := l.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = l.Get(ctx, "a")
	assert.True(t, ok)

	l.Set(ctx, "d", []float32{4}, -time.Second)
	_, ok = l.Get(ctx, "d")
	assert.False(t, ok, "expired entries are misses")
}

func TestNewService_RejectsUnknownProvider(t *testing.T) {
	_, err := NewService(Config{Provider: "local"}, nil, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	assert.Error(t, err)
}
