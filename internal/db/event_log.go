package db

import (
	"context"
	"time"

	"github.com/raredx/orchestrator/internal/streaming"
)

// EventLog represents a persisted run event row.
type EventLog struct {
	RunID     string    `db:"run_id" json:"run_id"`
	Seq       uint64    `db:"seq" json:"seq"`
	Type      string    `db:"type" json:"type"`
	Round     int       `db:"round" json:"round,omitempty"`
	Message   string    `db:"message" json:"message,omitempty"`
	Payload   JSONText  `db:"payload" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EventLogFromStream converts a published stream event.
func EventLogFromStream(ev streaming.Event) *EventLog {
	payload, _ := MarshalJSONText(ev.Data)
	if len(ev.Data) == 0 {
		payload = nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &EventLog{
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Type:      ev.Type,
		Round:     ev.Round,
		Message:   ev.Message,
		Payload:   payload,
		CreatedAt: ts.UTC(),
	}
}

// SaveEventLog inserts a new run_events row; duplicates are ignored.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, round, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, seq) DO NOTHING`,
		e.RunID, int64(e.Seq), e.Type, e.Round, e.Message, e.Payload, e.CreatedAt)
	return observe("save_event", err)
}

// ListEvents returns the persisted events of a run in sequence order.
func (c *Client) ListEvents(ctx context.Context, runID string) ([]EventLog, error) {
	var out []EventLog
	err := c.db.SelectContext(ctx, &out, `
		SELECT run_id, seq, type, round, message, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if out == nil {
		out = []EventLog{}
	}
	return out, observe("list_events", err)
}
