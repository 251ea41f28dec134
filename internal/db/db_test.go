package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/streaming"
)

func openSQLite(t *testing.T) *Client {
	t.Helper()
	c, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: ":memory:"}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRunLifecycle(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	phenotypes := diagnosis.PhenotypeSet{"HP:0001250", "HP:0001263"}

	require.NoError(t, c.CreateRun(ctx, "run-1", phenotypes, started))

	rec, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.False(t, rec.Finished())
	got, err := rec.PhenotypeSet()
	require.NoError(t, err)
	assert.Equal(t, phenotypes, got)
	res, err := rec.RunResult()
	require.NoError(t, err)
	assert.Nil(t, res)

	result := &diagnosis.RunResult{
		RunID:      "run-1",
		Phenotypes: phenotypes,
		Report:     "## **Dravet syndrome** (Rank #1/5)",
		Rounds:     2,
		Status:     diagnosis.StatusAccepted,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
	require.NoError(t, c.CompleteRun(ctx, result))

	rec, err = c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", rec.Status)
	assert.Equal(t, 2, rec.Rounds)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(started.Add(time.Minute)))
	res, err = rec.RunResult()
	require.NoError(t, err)
	assert.Equal(t, result.Report, res.Report)
	assert.Equal(t, diagnosis.StatusAccepted, res.Status)
}

func TestCompleteRun_WithoutCreate(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, c.CompleteRun(ctx, &diagnosis.RunResult{
		RunID: "run-2", Phenotypes: diagnosis.PhenotypeSet{"HP:1"}, Status: diagnosis.StatusUnverified,
		StartedAt: now, FinishedAt: now,
	}))
	runs, err := c.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "unverified", runs[0].Status)
}

func TestGetRun_NotFound(t *testing.T) {
	c := openSQLite(t)
	_, err := c.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, c.FailRun(context.Background(), "missing", "boom"), ErrRunNotFound)
}

func TestFailRun(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, c.CreateRun(ctx, "run-3", diagnosis.PhenotypeSet{"HP:1"}, time.Now()))
	require.NoError(t, c.FailRun(ctx, "run-3", "worker lost"))

	rec, err := c.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "worker lost", rec.ErrorMessage)
	assert.True(t, rec.Finished())
}

func TestEventQueue_FlushesOnClose(t *testing.T) {
	c, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: "file:events?mode=memory&cache=shared"}, circuitbreaker.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ev := streaming.Event{RunID: "run-4", Seq: uint64(i), Type: "ROUND_STARTED", Round: i, Data: map[string]interface{}{"n": i}}
		require.NoError(t, c.EnqueueEvent(EventLogFromStream(ev)))
	}
	// Duplicate sequence numbers are ignored.
	require.NoError(t, c.SaveEventLog(ctx, EventLogFromStream(streaming.Event{RunID: "run-4", Seq: 1, Type: "DUP"})))

	require.Eventually(t, func() bool {
		evs, err := c.ListEvents(ctx, "run-4")
		return err == nil && len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	evs, err := c.ListEvents(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, "ROUND_STARTED", evs[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(evs[0].Payload))
}

func TestEnqueueAfterClose(t *testing.T) {
	c := openSQLite(t)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.EnqueueEvent(&EventLog{RunID: "r", Seq: 1}), ErrClosed)
}

func TestCreateRun_PostgresPlaceholders(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClient(sqlx.NewDb(raw, "postgres"), circuitbreaker.DefaultConfig(), 1, zaptest.NewLogger(t))
	defer c.Close()

	mock.ExpectExec(`INSERT INTO diagnosis_runs \(id, status, phenotypes, report, rounds, error_message, started_at\)\s+VALUES \(\$1, \$2, \$3, '', 0, '', \$4\)`).
		WithArgs("run-5", StatusRunning, `["HP:1"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.CreateRun(context.Background(), "run-5", diagnosis.PhenotypeSet{"HP:1"}, time.Now()))

	mock.ExpectQuery(`SELECT .* FROM diagnosis_runs WHERE id = \$1`).
		WithArgs("run-6").
		WillReturnError(errors.New("connection reset"))
	_, err = c.GetRun(context.Background(), "run-6")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunNotFound)

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
