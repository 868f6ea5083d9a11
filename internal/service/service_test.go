package service_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabflow/internal/etl"
	"tabflow/internal/service"
	"tabflow/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// PassGuard tests
// ─────────────────────────────────────────────────────────────

func TestPassGuard_TryLock(t *testing.T) {
	var g service.ExportedPassGuard

	require.True(t, g.TryLock("pass"))
	assert.False(t, g.TryLock("pass"))
	require.True(t, g.TryLock("other"))
	g.Unlock("pass")
	g.Unlock("other")

	require.True(t, g.TryLock("pass"))
	g.Unlock("pass")
}

func TestPassGuard_WaitAll(t *testing.T) {
	var g service.ExportedPassGuard
	require.True(t, g.TryLock("pass"))

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		g.WaitAll(ctx)
		close(done)
	}()
	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("pass")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAll timed out")
	}
}

// ─────────────────────────────────────────────────────────────
// PipelineService tests
// ─────────────────────────────────────────────────────────────

type fakeRunner struct {
	passes  atomic.Int32
	runs    atomic.Int32
	passErr error
	runErr  error
}

func (f *fakeRunner) Run(context.Context) error {
	f.runs.Add(1)
	return f.runErr
}

func (f *fakeRunner) Pass(context.Context) (int, error) {
	f.passes.Add(1)
	return 1, f.passErr
}

func newHistory(t *testing.T) *storage.RunLogStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewRunLogStore(db)
}

func TestPipelineService_PollDelegatesToRunner(t *testing.T) {
	r := &fakeRunner{}
	hist := newHistory(t)
	em := &service.MockEmitter{}
	svc := service.NewPipelineService(r, service.Options{
		RunID: "run-1", Source: "file.csv", Repository: "csv", History: hist, Emitter: em,
	})

	require.NoError(t, svc.Run(context.Background()))
	assert.EqualValues(t, 1, r.runs.Load())

	run, err := hist.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, "poll", run.Trigger)
	assert.Len(t, em.Named(service.EventRunFinished), 1)
}

func TestPipelineService_PollFatalIsRecorded(t *testing.T) {
	r := &fakeRunner{runErr: fmt.Errorf("%w: id is pint", etl.ErrStrictSchema)}
	hist := newHistory(t)
	svc := service.NewPipelineService(r, service.Options{RunID: "run-2", History: hist})

	err := svc.Run(context.Background())
	require.ErrorIs(t, err, etl.ErrStrictSchema)

	run, err := hist.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, "error", run.Status)
	assert.Contains(t, run.Error, "id is pint")
}

func TestPipelineService_Schedule(t *testing.T) {
	r := &fakeRunner{}
	em := &service.MockEmitter{}
	svc := service.NewPipelineService(r, service.Options{
		Trigger: service.TriggerSchedule, Schedule: "@every 1s", Emitter: em,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, r.passes.Load(), int32(1))
	assert.Len(t, em.Named(service.EventPassCompleted), int(r.passes.Load()))
	assert.EqualValues(t, 0, r.runs.Load())
}

func TestPipelineService_ScheduleStopsOnFatal(t *testing.T) {
	r := &fakeRunner{passErr: fmt.Errorf("%w: archive", etl.ErrLocationNotConfigured)}
	svc := service.NewPipelineService(r, service.Options{Trigger: service.TriggerSchedule, Schedule: "@every 1s"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svc.Run(ctx)
	assert.ErrorIs(t, err, etl.ErrLocationNotConfigured)
	assert.EqualValues(t, 1, r.passes.Load())
}

func TestPipelineService_ConfigErrors(t *testing.T) {
	cases := map[string]service.Options{
		"bad schedule": {Trigger: service.TriggerSchedule, Schedule: "every now and then"},
		"no watch dir": {Trigger: service.TriggerWatch},
		"missing dir":  {Trigger: service.TriggerWatch, WatchDir: filepath.Join(t.TempDir(), "nope")},
		"unknown":      {Trigger: "sometimes"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			svc := service.NewPipelineService(&fakeRunner{}, opts)
			err := svc.Run(context.Background())
			assert.ErrorIs(t, err, etl.ErrConfiguration)
		})
	}
}

func TestPipelineService_WatchRunsAfterChanges(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	svc := service.NewPipelineService(r, service.Options{
		Trigger: service.TriggerWatch, WatchDir: dir, Debounce: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	// initial pass
	require.Eventually(t, func() bool { return r.passes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a burst of writes collapses into one pass
	for i := range 3 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.csv", i)), []byte("a\n1\n"), 0o644))
	}
	require.Eventually(t, func() bool { return r.passes.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
	svc.Stop()
}

func TestPipelineService_WatchIncludesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "2024", "01")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	r := &fakeRunner{}
	svc := service.NewPipelineService(r, service.Options{
		Trigger: service.TriggerWatch, WatchDir: dir, Debounce: 50 * time.Millisecond,
	})
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()
	require.Eventually(t, func() bool { return r.passes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(nested, "a.csv"), []byte("a\n1\n"), 0o644))
	require.Eventually(t, func() bool { return r.passes.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	// a directory created while watching is picked up as well
	later := filepath.Join(dir, "later")
	require.NoError(t, os.Mkdir(later, 0o755))
	require.Eventually(t, func() bool { return r.passes.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(later, "b.csv"), []byte("a\n1\n"), 0o644))
	require.Eventually(t, func() bool { return r.passes.Load() >= 4 }, 3*time.Second, 10*time.Millisecond)
}

func TestPipelineService_WaitRunningIdle(t *testing.T) {
	svc := service.NewPipelineService(&fakeRunner{}, service.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.WaitRunning(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitRunning hung with nothing running")
	}
	svc.Stop()
	svc.Stop()
}
