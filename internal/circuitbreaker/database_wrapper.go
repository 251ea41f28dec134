package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards the run history database.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a wrapper. The breaker is named after the driver.
func NewDatabaseWrapper(db *sqlx.DB, cfg Config, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := db.DriverName()
	base := cfg.IsSuccessful
	// A missing row is an answer, not an outage.
	cfg.IsSuccessful = func(err error) bool {
		if errors.Is(err, sql.ErrNoRows) {
			return true
		}
		if base != nil {
			return base(err)
		}
		return defaultIsSuccessful(err)
	}
	cb := NewCircuitBreaker(name, ForService("db", cfg), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "run-store", cb)
	return &DatabaseWrapper{db: db, cb: cb, name: name, service: "run-store", logger: logger}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	success := err == nil || errors.Is(err, sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest(dw.name, dw.service, dw.cb.State(), success)
	return err
}

// PingContext checks connectivity.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext runs a statement. Placeholders are rebound for the driver.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return res, err
}

// NamedExecContext runs a statement with :name placeholders bound from arg.
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var err error
		res, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return res, err
}

// GetContext scans a single row into dest. Returns sql.ErrNoRows when empty.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// DriverName returns the driver name of the underlying database.
func (dw *DatabaseWrapper) DriverName() string { return dw.name }

// Close closes the database.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.IsOpen()
}
