package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/db"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/validation"
	"github.com/raredx/orchestrator/internal/workflows"
)

// blockingGenerator holds synthesis until released or cancelled.
type blockingGenerator struct {
	release chan struct{}
	once    sync.Once
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "evaluate whether the proposed diagnosis is correct") {
		return diagnosis.CorrectMarker, nil
	}
	select {
	case <-g.release:
		return "## **Marfan syndrome** (Rank #1/5)\nfits\n", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *blockingGenerator) unblock() { g.once.Do(func() { close(g.release) }) }

type tableNormalizer struct{}

func (tableNormalizer) Normalize(_ context.Context, name string) (*diagnosis.Match, error) {
	if strings.EqualFold(name, "Marfan syndrome") {
		return &diagnosis.Match{ID: "OMIM:154700", Label: "MARFAN SYNDROME", Similarity: 0.96}, nil
	}
	return nil, nil
}

func newOrchestrator(t *testing.T, gen diagnosis.TextGenerator) *diagnosis.Orchestrator {
	return diagnosis.New(diagnosis.DefaultConfig(), diagnosis.Services{
		Generator:  gen,
		Normalizer: tableNormalizer{},
	}, zaptest.NewLogger(t))
}

func openStore(t *testing.T) *db.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	c, err := db.Open(context.Background(), db.Config{Driver: "sqlite3", DSN: dsn}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestService_SubmitRejectsEmptyPhenotypes(t *testing.T) {
	svc := NewService(newOrchestrator(t, &blockingGenerator{release: make(chan struct{})}), Options{}, zaptest.NewLogger(t))
	_, err := svc.Submit(context.Background(), diagnosis.PhenotypeSet{" ", ""})
	assert.ErrorIs(t, err, ErrNoPhenotypes)
}

func TestService_LocalRunInMemory(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	svc := NewService(newOrchestrator(t, gen), Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	view, err := svc.Submit(ctx, diagnosis.PhenotypeSet{"HP:0001166", " HP:0001519 "})
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, view.Status)
	assert.Equal(t, diagnosis.PhenotypeSet{"HP:0001166", "HP:0001519"}, view.Phenotypes)

	running, err := svc.Get(ctx, view.RunID)
	require.NoError(t, err)
	assert.False(t, running.Finished())

	gen.unblock()
	done, err := svc.Wait(ctx, view.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(diagnosis.StatusAccepted), done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, 1, done.Rounds)
	require.NotNil(t, done.FinishedAt)

	list, err := svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Result)

	assert.ErrorIs(t, svc.Cancel(ctx, view.RunID), ErrRunFinished)
	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestService_CancelPersistsCancelledRun(t *testing.T) {
	store := openStore(t)
	gen := &blockingGenerator{release: make(chan struct{})}
	svc := NewService(newOrchestrator(t, gen), Options{Store: store}, zaptest.NewLogger(t))
	ctx := context.Background()

	view, err := svc.Submit(ctx, diagnosis.PhenotypeSet{"HP:0001250"})
	require.NoError(t, err)

	rec, err := store.GetRun(ctx, view.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, rec.Status)

	require.NoError(t, svc.Cancel(ctx, view.RunID))
	done, err := svc.Wait(ctx, view.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(diagnosis.StatusCancelled), done.Status)

	rec, err = store.GetRun(ctx, view.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(diagnosis.StatusCancelled), rec.Status)
	assert.True(t, rec.Finished())
}

func TestService_ShutdownRefusesNewRuns(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	svc := NewService(newOrchestrator(t, gen), Options{}, zaptest.NewLogger(t))

	view, err := svc.Submit(context.Background(), diagnosis.PhenotypeSet{"HP:0001250"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	got, err := svc.Get(context.Background(), view.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(diagnosis.StatusCancelled), got.Status)

	_, err = svc.Submit(context.Background(), diagnosis.PhenotypeSet{"HP:0001250"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestService_ShutdownWaitsForConcurrentSubmits(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	svc := NewService(newOrchestrator(t, gen), Options{}, zaptest.NewLogger(t))

	const submitters = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	start := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			view, err := svc.Submit(context.Background(), diagnosis.PhenotypeSet{"HP:0001250"})
			if err != nil {
				assert.ErrorIs(t, err, ErrShuttingDown)
				return
			}
			mu.Lock()
			accepted = append(accepted, view.RunID)
			mu.Unlock()
		}()
	}

	close(start)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	wg.Wait()

	// Every run admitted before the service closed was drained by Shutdown.
	mu.Lock()
	defer mu.Unlock()
	for _, id := range accepted {
		got, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, got.Finished(), "run %s still %s", id, got.Status)
	}
}

func TestService_RejectsMalformedCodes(t *testing.T) {
	svc := NewService(newOrchestrator(t, &blockingGenerator{release: make(chan struct{})}), Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	_, err := svc.Submit(context.Background(), diagnosis.PhenotypeSet{"HP:0001250", "fever"})
	var invalid *validation.InvalidCodesError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"FEVER"}, invalid.Codes)
}

func TestService_SetOrchestrator(t *testing.T) {
	first := newOrchestrator(t, &blockingGenerator{release: make(chan struct{})})
	svc := NewService(first, Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	svc.SetOrchestrator(nil)
	assert.Same(t, first, svc.orch.Load())

	second := newOrchestrator(t, &blockingGenerator{release: make(chan struct{})})
	svc.SetOrchestrator(second)
	assert.Same(t, second, svc.orch.Load())
}

func TestService_TemporalSubmit(t *testing.T) {
	tc := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	release := make(chan time.Time)

	tc.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.TaskQueue == "diagnosis" && o.ID != ""
	}), workflows.DiagnosisWorkflowName, mock.AnythingOfType("workflows.DiagnosisInput")).Return(run, nil)
	run.On("Get", mock.Anything, mock.Anything).WaitUntil(release).Run(func(args mock.Arguments) {
		res := args.Get(1).(*diagnosis.RunResult)
		res.Status = diagnosis.StatusUnconfirmed
		res.Rounds = 2
		res.FinishedAt = time.Now()
	}).Return(nil)
	tc.On("CancelWorkflow", mock.Anything, mock.Anything, "").Return(nil)

	svc := NewService(newOrchestrator(t, &blockingGenerator{release: make(chan struct{})}), Options{Temporal: tc}, zaptest.NewLogger(t))
	ctx := context.Background()

	view, err := svc.Submit(ctx, diagnosis.PhenotypeSet{"HP:0001250"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, view.RunID))
	tc.AssertCalled(t, "CancelWorkflow", mock.Anything, view.RunID, "")

	close(release)
	done, err := svc.Wait(ctx, view.RunID)
	require.NoError(t, err)
	assert.Equal(t, string(diagnosis.StatusUnconfirmed), done.Status)
	assert.Equal(t, 2, done.Rounds)
}
