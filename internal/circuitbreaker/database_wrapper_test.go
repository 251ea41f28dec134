package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

type runRow struct {
	ID     string `db:"id"`
	Status string `db:"status"`
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	// Placeholders are rebound for the postgres driver.
	mock.ExpectExec(`INSERT INTO diagnosis_runs \(id, status\) VALUES \(\$1, \$2\)`).
		WithArgs("run-1", "accepted").
		WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := wrapper.ExecContext(ctx, "INSERT INTO diagnosis_runs (id, status) VALUES (?, ?)", "run-1", "accepted")
	if err != nil {
		t.Fatalf("ExecContext failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("Expected 1 affected row, got %d", n)
	}

	mock.ExpectQuery(`SELECT id, status FROM diagnosis_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("run-1", "accepted"))
	var got runRow
	if err := wrapper.GetContext(ctx, &got, "SELECT id, status FROM diagnosis_runs WHERE id = ?", "run-1"); err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if got.Status != "accepted" {
		t.Errorf("Expected status accepted, got %q", got.Status)
	}

	mock.ExpectQuery(`SELECT id, status FROM diagnosis_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("a", "accepted").AddRow("b", "unconfirmed"))
	var all []runRow
	if err := wrapper.SelectContext(ctx, &all, "SELECT id, status FROM diagnosis_runs"); err != nil {
		t.Fatalf("SelectContext failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(all))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlite3"), cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT id, status FROM diagnosis_runs").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		var got runRow
		err := wrapper.GetContext(ctx, &got, "SELECT id, status FROM diagnosis_runs WHERE id = ?", "missing")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("Expected sql.ErrNoRows, got %v", err)
		}
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Missing rows must not open the breaker")
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Breaker opens after 5 consecutive failures.
	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	for i := 0; i < 5; i++ {
		if err := wrapper.PingContext(ctx); err == nil {
			t.Error("Expected ping to fail")
		}
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	if err := wrapper.PingContext(ctx); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
