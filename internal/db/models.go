package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raredx/orchestrator/internal/diagnosis"
)

// StatusRunning marks a run that has not finished yet.
const StatusRunning = "running"

// StatusFailed marks a run that ended with an infrastructure error.
const StatusFailed = "failed"

// JSONText is a JSON document stored in a text column. It works with both
// postgres and sqlite.
type JSONText []byte

// Value implements the driver.Valuer interface
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONText) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONText(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONText", value)
	}
	return nil
}

// MarshalJSONText encodes v, returning nil for nil input.
func MarshalJSONText(v interface{}) (JSONText, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONText(b), nil
}

// RunRecord is one row of diagnosis_runs.
type RunRecord struct {
	ID           string     `db:"id" json:"id"`
	Status       string     `db:"status" json:"status"`
	Phenotypes   JSONText   `db:"phenotypes" json:"-"`
	Report       string     `db:"report" json:"report"`
	Result       JSONText   `db:"result" json:"-"`
	Rounds       int        `db:"rounds" json:"rounds"`
	ErrorMessage string     `db:"error_message" json:"error,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// PhenotypeSet decodes the stored phenotype codes.
func (r *RunRecord) PhenotypeSet() (diagnosis.PhenotypeSet, error) {
	var p diagnosis.PhenotypeSet
	if len(r.Phenotypes) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.Phenotypes, &p)
	return p, err
}

// RunResult decodes the stored result. It is nil while the run is in progress.
func (r *RunRecord) RunResult() (*diagnosis.RunResult, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var res diagnosis.RunResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		return nil, fmt.Errorf("decode run %s result: %w", r.ID, err)
	}
	return &res, nil
}

// Finished reports whether the run reached a terminal status.
func (r *RunRecord) Finished() bool {
	return r.Status != StatusRunning
}
