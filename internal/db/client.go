// Package db persists diagnosis runs and their progress events.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	// Driver is sqlite3 or postgres
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	// QueueSize bounds pending async event writes
	QueueSize int
}

// ErrClosed is returned when writing to a closed client.
var ErrClosed = errors.New("db client closed")

// Client manages database connections and operations
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	// Write queue for async event writes
	writeQueue chan *EventLog
	stopOnce   sync.Once
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// Open connects, pings and migrates the schema.
func Open(ctx context.Context, cfg Config, breaker circuitbreaker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == "sqlite3" {
		// One writer at a time; also keeps :memory: databases alive.
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}

	rawDB, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	client := NewClient(rawDB, breaker, cfg.QueueSize, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.db.PingContext(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Database client initialized", zap.String("driver", cfg.Driver))
	return client, nil
}

// NewClient wraps an open database and starts the event writer.
func NewClient(rawDB *sqlx.DB, breaker circuitbreaker.Config, queueSize int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	c := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(rawDB, breaker, logger),
		logger:     logger,
		writeQueue: make(chan *EventLog, queueSize),
		stopCh:     make(chan struct{}),
	}
	c.workerWg.Add(1)
	go c.writeWorker()
	return c
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS diagnosis_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		phenotypes TEXT NOT NULL,
		report TEXT NOT NULL DEFAULT '',
		result TEXT,
		rounds INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		round INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_diagnosis_runs_started_at ON diagnosis_runs (started_at)`,
}

// Migrate creates the tables when missing.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Wrapper exposes the breaker guarded database for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper { return c.db }

// EnqueueEvent schedules an event row for asynchronous insertion. It never
// blocks; when the queue is full the event is dropped and logged.
func (c *Client) EnqueueEvent(e *EventLog) error {
	select {
	case <-c.stopCh:
		return ErrClosed
	default:
	}
	select {
	case c.writeQueue <- e:
		return nil
	default:
		c.logger.Warn("Event write queue full, dropping event",
			zap.String("run_id", e.RunID),
			zap.Uint64("seq", e.Seq))
		return errors.New("event write queue full")
	}
}

func (c *Client) writeWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			return
		case e := <-c.writeQueue:
			c.writeEvent(e)
		}
	}
}

func (c *Client) drainQueue() {
	for {
		select {
		case e := <-c.writeQueue:
			c.writeEvent(e)
		default:
			return
		}
	}
}

func (c *Client) writeEvent(e *EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SaveEventLog(ctx, e); err != nil {
		c.logger.Error("Failed to persist run event",
			zap.String("run_id", e.RunID),
			zap.Uint64("seq", e.Seq),
			zap.Error(err))
	}
}

// Close flushes queued events and closes the database.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.workerWg.Wait()
		err = c.db.Close()
	})
	return err
}
