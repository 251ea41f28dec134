package wiring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/config"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/normalizer"
	"github.com/raredx/orchestrator/internal/ratecontrol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))

	idx, err := normalizer.NewIndex(cfg.Embeddings.Model, []normalizer.Entry{
		{ID: "OMIM:154700", Label: "Marfan syndrome", Vector: []float32{1, 0}},
		{ID: "OMIM:130050", Label: "Ehlers-Danlos syndrome", Vector: []float32{0, 1}},
	})
	require.NoError(t, err)
	cfg.Normalizer.IndexPath = filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, idx.Save(cfg.Normalizer.IndexPath))
	return cfg
}

func TestBuild_Defaults(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{Mode: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotNil(t, rt.Store)
	require.NotNil(t, rt.Embeddings)
	assert.Nil(t, rt.Vector)
	assert.Nil(t, rt.Redis)
	assert.NotNil(t, rt.Services.Normalizer)
	assert.NotNil(t, rt.Services.Ranker)
	assert.NotNil(t, rt.Services.Generator)
	assert.ElementsMatch(t, []string{"database", "disease-index", "upstreams"}, rt.Health.Names())

	got := rt.Orchestrator.Config()
	assert.True(t, got.DiseaseNormalizer)
	assert.Equal(t, cfg.Diagnosis.MaxRetry, got.MaxRetry)
	assert.Equal(t, 0.5, got.MinSimilarity)
}

func TestBuild_MissingIndexDisablesNormalizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Normalizer.IndexPath = filepath.Join(t.TempDir(), "missing.json")
	cfg.Store.Enabled = false

	rt, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.Nil(t, rt.Services.Normalizer)
	assert.Nil(t, rt.Store)
	assert.False(t, rt.Orchestrator.Config().DiseaseNormalizer)
	assert.Equal(t, []string{"upstreams"}, rt.Health.Names())
}

func TestBuild_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	rt, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotNil(t, rt.Redis)
	assert.NoError(t, rt.Redis.Ping(context.Background()))
	assert.Contains(t, rt.Health.Names(), "redis")
}

func TestBuild_BadPromptsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, diagnosis.SynthesisTemplateFile), []byte("{{.Broken"), 0o644))
	cfg := testConfig(t)
	cfg.Diagnosis.PromptsDir = dir

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{})
	assert.Error(t, err)
}

func TestStreamsPersistAndForget(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{ForgetAfter: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	rt.Streams.Observe("run-1", diagnosis.Event{Type: diagnosis.EventRunStarted})
	rt.Streams.Observe("run-1", diagnosis.Event{Type: diagnosis.EventRunCompleted, Message: "accepted"})

	require.Eventually(t, func() bool {
		events, err := rt.Store.ListEvents(ctx, "run-1")
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(rt.Streams.ReplaySince("run-1", 0)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewOrchestratorFollowsReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	rt, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	next := *cfg
	next.Diagnosis.MaxRetry = 5
	next.Diagnosis.SelfReflection = false
	orch := rt.NewOrchestrator(&next)

	assert.Equal(t, 5, orch.Config().MaxRetry)
	assert.False(t, orch.Config().SelfReflection)
	assert.Equal(t, cfg.Diagnosis.MaxRetry, rt.Orchestrator.Config().MaxRetry)
}

func TestLimits(t *testing.T) {
	reg := ratecontrol.NewRegistry(ratecontrol.RateLimit{}, map[string]ratecontrol.RateLimit{
		ratecontrol.ServiceCases:     {RPM: 0},
		ratecontrol.ServiceKnowledge: {RPM: 60, Burst: 2},
	})
	l := Limits(reg)

	assert.True(t, l.Cases == nil, "unlimited service must be a nil interface")
	require.NotNil(t, l.Knowledge)
	lim, ok := l.Knowledge.(*rate.Limiter)
	require.True(t, ok)
	assert.Equal(t, 2, lim.Burst())
	assert.Equal(t, rate.Every(time.Second), lim.Limit())
}

func TestCaseSearchDelayTightensLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.CaseSearch.RequestDelay = 2 * time.Second
	rt := &Runtime{logger: zaptest.NewLogger(t)}

	l, err := rt.limits(cfg)
	require.NoError(t, err)
	lim, ok := l.Cases.(*rate.Limiter)
	require.True(t, ok)
	assert.Equal(t, rate.Every(2*time.Second), lim.Limit())
}

func TestBreakerConfig(t *testing.T) {
	def := circuitbreaker.DefaultConfig()

	got := BreakerConfig(config.CircuitBreakerConfig{})
	assert.Equal(t, def.MaxRequests, got.MaxRequests)
	assert.Equal(t, def.Timeout, got.Timeout)

	got = BreakerConfig(config.CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
	})
	assert.Equal(t, uint32(3), got.MaxRequests)
	assert.Equal(t, time.Minute, got.Interval)
	assert.Equal(t, 5*time.Second, got.Timeout)
	assert.Equal(t, uint32(2), got.FailureThreshold)
	assert.Equal(t, def.SuccessThreshold, got.SuccessThreshold)
}

func TestDiagnosisConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Diagnosis.CaseSearcher = true
	cfg.Timeouts.Ranker = 90 * time.Second
	cfg.Normalizer.MaxDistance = 1.1

	got := DiagnosisConfig(cfg)
	assert.True(t, got.CaseSearcher)
	assert.True(t, got.KnowledgeSearcher)
	assert.Equal(t, 90*time.Second, got.RankerTimeout)
	assert.Equal(t, 1.1, got.MaxDistance)
	assert.Equal(t, cfg.Diagnosis.MaxReflection, got.MaxReflection)
}
