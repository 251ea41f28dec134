package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

func breakerCfg() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 100
	return cfg
}

func TestGenerate_Gemini(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.RawQuery)
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "List diagnoses", req.Contents[0].Parts[0].Text)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"**Dravet "},{"text":"syndrome**"}]}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderGemini, BaseURL: srv.URL, Model: "models/gemini-2.5-flash", APIKey: "secret"},
		breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "List diagnoses")
	require.NoError(t, err)
	assert.Equal(t, "**Dravet syndrome**", out)
}

func TestGenerate_GeminiKeyNotInErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderGemini, BaseURL: srv.URL, Model: "m", APIKey: "SECRET-KEY-123", MaxAttempts: 1},
		breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "p")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-KEY-123")
}

func TestGenerate_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, 256, req.MaxTokens)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Correct"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Model: "gpt-4o", APIKey: "sk-test", MaxTokens: 256},
		breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "judge")
	require.NoError(t, err)
	assert.Equal(t, "Correct", out)
}

func TestGenerate_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Model: "m", MaxAttempts: 3, InitialBackoff: time.Millisecond},
		breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderOpenAI, BaseURL: srv.URL, Model: "m", MaxAttempts: 5, InitialBackoff: time.Millisecond},
		breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerate_EmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Provider: ProviderGemini, BaseURL: srv.URL, Model: "gemini"}, breakerCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestNewClient_RejectsUnknownProvider(t *testing.T) {
	_, err := NewClient(Config{Provider: "local", Model: "m"}, breakerCfg(), zaptest.NewLogger(t))
	assert.Error(t, err)
}
