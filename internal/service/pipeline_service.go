// Package service runs the pipeline under one of its triggers and records
// each run in the optional run history.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
	"tabflow/internal/storage"
)

// Trigger names how passes are started.
type Trigger string

const (
	// TriggerPoll runs passes back to back, sleeping while there is no data.
	TriggerPoll Trigger = "poll"
	// TriggerSchedule runs one pass per cron tick.
	TriggerSchedule Trigger = "schedule"
	// TriggerWatch runs one pass after changes in a directory settle.
	TriggerWatch Trigger = "watch"
)

const passKey = "pass"

// PassRunner is the part of pipeline.Runner the service drives.
type PassRunner interface {
	Run(ctx context.Context) error
	Pass(ctx context.Context) (int, error)
}

// RunHistory stores run rows. storage.RunLogStore implements it.
type RunHistory interface {
	StartRun(ctx context.Context, run *storage.Run) error
	FinishRun(ctx context.Context, id string, runErr error) error
}

// Options configures a PipelineService.
type Options struct {
	Trigger  Trigger
	Schedule string        // cron expression for TriggerSchedule
	WatchDir string        // directory for TriggerWatch
	Debounce time.Duration // quiet period before a watch pass (default 500ms)

	// Run identity for the history row.
	RunID      string
	Source     string
	Repository string

	History RunHistory   // optional
	Emitter EventEmitter // optional
}

// PipelineService owns the trigger loop around a runner.
type PipelineService struct {
	runner PassRunner
	opts   Options
	guard  passGuard

	mu        sync.Mutex
	cronSched *cron.Cron
	watcher   *fsnotify.Watcher
}

// NewPipelineService creates a PipelineService.
func NewPipelineService(runner PassRunner, opts Options) *PipelineService {
	if opts.Trigger == "" {
		opts.Trigger = TriggerPoll
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Emitter == nil {
		opts.Emitter = LogEmitter{}
	}
	return &PipelineService{runner: runner, opts: opts}
}

// Run blocks until ctx is done or a pass fails fatally. A fatal error is
// returned; cancellation returns ctx's error. The run is recorded in the
// history when one is configured.
func (s *PipelineService) Run(ctx context.Context) (err error) {
	ctx = logging.NewContext(ctx, logging.WithFields(ctx, "trigger", string(s.opts.Trigger)))
	log := logging.FromContext(ctx)

	if s.opts.History != nil {
		run := &storage.Run{
			ID:         s.opts.RunID,
			Source:     s.opts.Source,
			Repository: s.opts.Repository,
			Trigger:    string(s.opts.Trigger),
		}
		if herr := s.opts.History.StartRun(ctx, run); herr != nil {
			log.Warn("failed to record run start", "error", herr)
		} else {
			defer func() {
				// ctx is done by now on every path but a fatal error
				if herr := s.opts.History.FinishRun(context.WithoutCancel(ctx), run.ID, err); herr != nil {
					log.Warn("failed to record run end", "error", herr)
				}
			}()
		}
	}
	defer func() {
		s.opts.Emitter.Emit(ctx, EventRunFinished, map[string]any{"runId": s.opts.RunID, "error": errString(err)})
	}()

	log.Info("pipeline started")
	switch s.opts.Trigger {
	case TriggerPoll:
		if !s.guard.TryLock(passKey) {
			return errors.New("pipeline is already running")
		}
		defer s.guard.Unlock(passKey)
		return s.runner.Run(ctx)
	case TriggerSchedule:
		return s.runScheduled(ctx)
	case TriggerWatch:
		return s.runWatched(ctx)
	default:
		return fmt.Errorf("%w: unknown trigger %q", etl.ErrConfiguration, s.opts.Trigger)
	}
}

// pass runs a single pass unless one is already running.
func (s *PipelineService) pass(ctx context.Context) error {
	log := logging.FromContext(ctx)
	if !s.guard.TryLock(passKey) {
		log.Info("previous pass still running, skipping")
		return nil
	}
	defer s.guard.Unlock(passKey)

	start := time.Now()
	n, err := s.runner.Pass(ctx)
	log.Info("pass finished", "units", n, "duration", time.Since(start))
	s.opts.Emitter.Emit(ctx, EventPassCompleted, map[string]any{"units": n, "error": errString(err)})
	return err
}

// ── Schedule ───────────────────────────────────────────────

func (s *PipelineService) runScheduled(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	log := logging.FromContext(ctx)

	c := cron.New()
	_, err := c.AddFunc(s.opts.Schedule, func() {
		if err := s.pass(ctx); err != nil && ctx.Err() == nil {
			cancel(err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q: %w", etl.ErrConfiguration, s.opts.Schedule, err)
	}
	s.mu.Lock()
	s.cronSched = c
	s.mu.Unlock()

	c.Start()
	log.Info("schedule started", "expr", s.opts.Schedule)

	<-ctx.Done()
	s.Stop()
	<-c.Stop().Done()
	s.guard.WaitAll(context.Background())
	return context.Cause(ctx)
}

// ── Watch ──────────────────────────────────────────────────

func (s *PipelineService) runWatched(ctx context.Context) error {
	if s.opts.WatchDir == "" {
		return fmt.Errorf("%w: watch trigger needs a directory", etl.ErrConfiguration)
	}
	dir, err := filepath.Abs(s.opts.WatchDir)
	if err != nil {
		return fmt.Errorf("%w: bad watch path %q: %w", etl.ErrConfiguration, s.opts.WatchDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watchTree(watcher, dir); err != nil {
		watcher.Close()
		return fmt.Errorf("%w: watch %q: %w", etl.ErrConfiguration, dir, err)
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	defer s.Stop()

	logging.FromContext(ctx).Info("watching directory", "dir", dir, "debounce", s.opts.Debounce)

	wake := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watchLoop(gctx, watcher, wake)
	})
	g.Go(func() error {
		// existing files are picked up before the first event
		if err := s.pass(gctx); err != nil {
			return err
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-wake:
				if err := s.pass(gctx); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// watchLoop turns bursts of file events into a single wake-up once the
// directory has been quiet for the debounce period.
// watchTree adds root and every directory below it to watcher.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func (s *PipelineService) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) error {
	log := logging.FromContext(ctx)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("file event", "path", event.Name, "op", event.Op.String())
			if event.Has(fsnotify.Create) {
				// file discovery is recursive, so new subdirectories are watched too
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := watchTree(watcher, event.Name); err != nil {
						log.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.opts.Debounce, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)
		}
	}
}

// ── Lifecycle ──────────────────────────────────────────────

// WaitRunning blocks until the running pass finishes or ctx is cancelled.
func (s *PipelineService) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}

// Stop tears down the watcher and the scheduler. Safe to call repeatedly.
func (s *PipelineService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
