package activities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/diagnosis"
)

type failingStore struct{ calls int }

func (f *failingStore) CompleteRun(context.Context, *diagnosis.RunResult) error {
	f.calls++
	return errors.New("database is locked")
}

type staticGenerator string

func (s staticGenerator) Generate(context.Context, string) (string, error) { return string(s), nil }

func newActivities(t *testing.T, store RunStore) *Activities {
	cfg := diagnosis.DefaultConfig()
	cfg.MaxRetry = 4
	orch := diagnosis.New(cfg, diagnosis.Services{Generator: staticGenerator("## **Marfan syndrome** (Rank #1/5)\nreason\n")}, zaptest.NewLogger(t))
	return NewActivities(orch, store, zaptest.NewLogger(t))
}

func TestStartRun_ReturnsWorkerConfig(t *testing.T) {
	a := newActivities(t, nil)
	out, err := a.StartRun(context.Background(), StartRunInput{RunID: "r1", Phenotypes: diagnosis.PhenotypeSet{"HP:0001250"}})
	require.NoError(t, err)
	assert.Equal(t, "HP:0001250", out.PatientInfo)
	assert.Equal(t, 4, out.Config.MaxRetry)
}

func TestSynthesizeReport_InActivityEnvironment(t *testing.T) {
	a := newActivities(t, nil)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.SynthesizeReport, SynthesizeInput{
		RunID:       "r1",
		Attempt:     1,
		Evidence:    &diagnosis.EvidenceBundle{},
		PatientInfo: "HP:0001250",
	})
	require.NoError(t, err)
	var report diagnosis.DiagnosticReport
	require.NoError(t, val.Get(&report))
	assert.Contains(t, string(report), "Marfan syndrome")
}

func TestGatherEvidence_CancelledContext(t *testing.T) {
	a := newActivities(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.GatherEvidence(ctx, GatherInput{RunID: "r1", Attempt: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinishRun(t *testing.T) {
	store := &failingStore{}
	a := newActivities(t, store)

	assert.Error(t, a.FinishRun(context.Background(), nil))

	now := time.Now()
	err := a.FinishRun(context.Background(), &diagnosis.RunResult{
		RunID:      "r1",
		Status:     diagnosis.StatusUnconfirmed,
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 1, store.calls)

	assert.NoError(t, newActivities(t, nil).FinishRun(context.Background(), &diagnosis.RunResult{RunID: "r2"}))
}
