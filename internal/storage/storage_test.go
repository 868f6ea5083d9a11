package storage_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabflow/internal/etl"
	"tabflow/internal/pipeline"
	"tabflow/internal/storage"
)

func newStore(t *testing.T) *storage.RunLogStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewRunLogStore(db)
}

func TestOpen_MigratesTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestRunLogStore_RunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := &storage.Run{Source: "file.csv", Repository: "solr", Trigger: "poll"}
	require.NoError(t, s.StartRun(ctx, run))
	require.NotEmpty(t, run.ID)

	start := time.Now()
	require.NoError(t, s.RecordUnit(ctx, pipeline.UnitResult{
		RunID: run.ID, Source: "CSV file", Unit: "a.csv", Status: pipeline.StatusDone,
		RowsRead: 3, RowsCommitted: 2, RowsRejected: 1,
		FailedRows: map[string][]int{"": {2}},
		StartedAt:  start, Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, s.RecordUnit(ctx, pipeline.UnitResult{
		RunID: run.ID, Source: "CSV file", Unit: "b.csv", Status: pipeline.StatusFailed,
		Err:       fmt.Errorf("%w: broken", etl.ErrSourceData),
		StartedAt: start.Add(time.Second),
	}))
	require.NoError(t, s.FinishRun(ctx, run.ID, nil))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, 2, got.Units)
	assert.Equal(t, "poll", got.Trigger)
	require.NotNil(t, got.FinishedAt)

	logs, err := s.ListUnitLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a.csv", logs[0].Unit)
	assert.Equal(t, map[string][]int{"": {2}}, logs[0].FailedRows)
	assert.Equal(t, 1500*time.Millisecond, logs[0].Duration)
	assert.WithinDuration(t, start, logs[0].StartedAt, time.Millisecond)
	assert.Equal(t, "failed", logs[1].Status)
	assert.Contains(t, logs[1].Error, "broken")
	assert.Nil(t, logs[1].FailedRows)
}

func TestRunLogStore_FinishWithError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := &storage.Run{Source: "x", Repository: "y"}
	require.NoError(t, s.StartRun(ctx, run))
	require.NoError(t, s.FinishRun(ctx, run.ID, errors.New("strict schema mismatch")))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, "strict schema mismatch", got.Error)

	// cancellation is a clean stop
	run2 := &storage.Run{Source: "x", Repository: "y"}
	require.NoError(t, s.StartRun(ctx, run2))
	require.NoError(t, s.FinishRun(ctx, run2.ID, context.Canceled))
	got, err = s.GetRun(ctx, run2.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.Status)
}

func TestRunLogStore_Missing(t *testing.T) {
	s := newStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	assert.Error(t, err)
	assert.Error(t, s.FinishRun(context.Background(), "nope", nil))
}

func TestRunLogStore_UnitHistory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := range 3 {
		require.NoError(t, s.RecordUnit(ctx, pipeline.UnitResult{
			RunID: fmt.Sprintf("run-%d", i), Unit: "orders", Status: pipeline.StatusDone,
			RowsRead: i, StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	hist, err := s.UnitHistory(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "run-2", hist[0].RunID)
	assert.Equal(t, "run-1", hist[1].RunID)
}

func TestRunLogStore_RecordsRunnerResults(t *testing.T) {
	s := newStore(t)
	var _ pipeline.ResultRecorder = s
}
