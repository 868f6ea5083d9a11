package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tabflow/internal/pipeline"
)

// RunLogStore records runs and the result of every unit they processed.
type RunLogStore struct {
	db *DB
}

// NewRunLogStore creates a RunLogStore.
func NewRunLogStore(db *DB) *RunLogStore {
	return &RunLogStore{db: db}
}

// Run is one execution of the pipeline.
type Run struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Repository string     `json:"repository"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"` // "running" | "success" | "error"
	Error      string     `json:"error,omitempty"`
	Units      int        `json:"units"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// UnitLog is a stored unit result.
type UnitLog struct {
	ID            string           `json:"id"`
	RunID         string           `json:"runId"`
	Source        string           `json:"source"`
	Unit          string           `json:"unit"`
	Status        string           `json:"status"`
	RowsRead      int              `json:"rowsRead"`
	RowsCommitted int              `json:"rowsCommitted"`
	RowsRejected  int              `json:"rowsRejected"`
	FailedRows    map[string][]int `json:"failedRows,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	Duration      time.Duration    `json:"duration"`
}

// ── Runs ───────────────────────────────────────────────────

// StartRun inserts a running run. An empty run.ID gets a fresh uuid.
func (s *RunLogStore) StartRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = "running"
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO runs (id, source, repository, trigger, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Repository, run.Trigger, run.Status, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes a run with the error that ended it, if any.
func (s *RunLogStore) FinishRun(ctx context.Context, id string, runErr error) error {
	status, msg := "success", ""
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status, msg = "error", runErr.Error()
	}
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ?,
		 units = (SELECT COUNT(*) FROM unit_results WHERE run_id = ?) WHERE id = ?`,
		status, msg, time.Now(), id, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetRun returns the run with id.
func (s *RunLogStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r        Run
		finished sql.NullTime
	)
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, source, repository, trigger, status, error, units, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Source, &r.Repository, &r.Trigger, &r.Status, &r.Error, &r.Units, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// ── Unit results ───────────────────────────────────────────

// RecordUnit stores one unit result. It satisfies pipeline.ResultRecorder.
func (s *RunLogStore) RecordUnit(ctx context.Context, res pipeline.UnitResult) error {
	failed := res.FailedRows
	if failed == nil {
		failed = map[string][]int{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("encode failed rows: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx,
		`INSERT INTO unit_results (id, run_id, source, unit, status, rows_read, rows_committed,
		 rows_rejected, failed_rows_json, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), res.RunID, res.Source, res.Unit, string(res.Status),
		res.RowsRead, res.RowsCommitted, res.RowsRejected, string(failedJSON),
		res.Error(), res.StartedAt, res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert unit result: %w", err)
	}
	return nil
}

// ListUnitLogs returns the results of a run in processing order.
func (s *RunLogStore) ListUnitLogs(ctx context.Context, runID string) ([]UnitLog, error) {
	return s.queryUnitLogs(ctx,
		`SELECT id, run_id, source, unit, status, rows_read, rows_committed, rows_rejected,
		 failed_rows_json, error, started_at, duration_ms
		 FROM unit_results WHERE run_id = ? ORDER BY started_at ASC, rowid ASC`, runID)
}

// UnitHistory returns the last limit results of a unit, newest first.
func (s *RunLogStore) UnitHistory(ctx context.Context, unit string, limit int) ([]UnitLog, error) {
	return s.queryUnitLogs(ctx,
		`SELECT id, run_id, source, unit, status, rows_read, rows_committed, rows_rejected,
		 failed_rows_json, error, started_at, duration_ms
		 FROM unit_results WHERE unit = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, unit, limit)
}

func (s *RunLogStore) queryUnitLogs(ctx context.Context, query string, args ...any) ([]UnitLog, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []UnitLog
	for rows.Next() {
		var (
			l          UnitLog
			failedJSON string
			durationMS int64
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.Source, &l.Unit, &l.Status, &l.RowsRead, &l.RowsCommitted,
			&l.RowsRejected, &failedJSON, &l.Error, &l.StartedAt, &durationMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failedJSON), &l.FailedRows); err != nil {
			return nil, fmt.Errorf("decode failed rows of %s: %w", l.ID, err)
		}
		if len(l.FailedRows) == 0 {
			l.FailedRows = nil
		}
		l.Duration = time.Duration(durationMS) * time.Millisecond
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

var _ pipeline.ResultRecorder = (*RunLogStore)(nil)
