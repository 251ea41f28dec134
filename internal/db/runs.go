package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/metrics"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, status, phenotypes, report, result, rounds, error_message, started_at, finished_at`

func observe(op string, err error) error {
	status := "ok"
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, status).Inc()
	return err
}

// CreateRun records a run that has just been accepted.
func (c *Client) CreateRun(ctx context.Context, runID string, phenotypes diagnosis.PhenotypeSet, startedAt time.Time) error {
	p, err := MarshalJSONText(phenotypes)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO diagnosis_runs (id, status, phenotypes, report, rounds, error_message, started_at)
		VALUES (?, ?, ?, '', 0, '', ?)`,
		runID, StatusRunning, p, startedAt.UTC())
	return observe("create_run", err)
}

// CompleteRun stores the final result of a run, creating the row if needed.
func (c *Client) CompleteRun(ctx context.Context, res *diagnosis.RunResult) error {
	p, err := MarshalJSONText(res.Phenotypes)
	if err != nil {
		return err
	}
	body, err := MarshalJSONText(res)
	if err != nil {
		return err
	}
	finished := res.FinishedAt.UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO diagnosis_runs (id, status, phenotypes, report, result, rounds, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			report = excluded.report,
			result = excluded.result,
			rounds = excluded.rounds,
			finished_at = excluded.finished_at`,
		res.RunID, string(res.Status), p, string(res.Report), body, res.Rounds, res.StartedAt.UTC(), finished)
	return observe("complete_run", err)
}

// FailRun marks a run as failed with msg.
func (c *Client) FailRun(ctx context.Context, runID, msg string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE diagnosis_runs SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, msg, time.Now().UTC(), runID)
	if err != nil {
		return observe("fail_run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observe("fail_run", ErrRunNotFound)
	}
	return observe("fail_run", nil)
}

// GetRun returns one run or ErrRunNotFound.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := c.db.GetContext(ctx, &rec, `SELECT `+runColumns+` FROM diagnosis_runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, observe("get_run", ErrRunNotFound)
	}
	if err != nil {
		return nil, observe("get_run", err)
	}
	return &rec, observe("get_run", nil)
}

// ListRuns returns the most recent runs first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []RunRecord
	err := c.db.SelectContext(ctx, &out, `SELECT `+runColumns+` FROM diagnosis_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if out == nil {
		out = []RunRecord{}
	}
	return out, observe("list_runs", err)
}
