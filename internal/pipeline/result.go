package pipeline

import (
	"context"
	"time"

	"tabflow/internal/mapping"
)

// UnitStatus is the outcome of one unit.
type UnitStatus string

const (
	StatusDone    UnitStatus = "done"
	StatusFailed  UnitStatus = "failed"
	StatusSkipped UnitStatus = "skipped"
)

// UnitResult is what the loop learned about one unit. It is built up by the
// stages and inspected once to decide how the unit is archived.
type UnitResult struct {
	RunID  string     `json:"runId"`
	Source string     `json:"source"`
	Unit   string     `json:"unit"`
	Status UnitStatus `json:"status"`

	RowsRead      int `json:"rowsRead"`
	RowsCommitted int `json:"rowsCommitted"`
	RowsRejected  int `json:"rowsRejected"`

	// FailedRows holds the original indices of rows that failed
	// validation, keyed by batch name ("" for a single batch).
	FailedRows map[string][]int `json:"failedRows,omitempty"`
	Issues     []mapping.Issue  `json:"-"`

	Err       error         `json:"-"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Error returns the error text, empty when the unit succeeded.
func (r UnitResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (r *UnitResult) reject(batch string, indices []int, issues []mapping.Issue) {
	if len(indices) == 0 {
		return
	}
	if r.FailedRows == nil {
		r.FailedRows = map[string][]int{}
	}
	r.FailedRows[batch] = append(r.FailedRows[batch], indices...)
	r.RowsRejected += len(indices)
	r.Issues = append(r.Issues, issues...)
}

// ResultRecorder receives every unit result, e.g. to keep a run history.
type ResultRecorder interface {
	RecordUnit(ctx context.Context, res UnitResult) error
}

// RecorderFunc adapts a function to ResultRecorder.
type RecorderFunc func(ctx context.Context, res UnitResult) error

func (f RecorderFunc) RecordUnit(ctx context.Context, res UnitResult) error { return f(ctx, res) }
