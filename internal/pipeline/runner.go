// Package pipeline drives data units from a source through mapping,
// validation and user hooks into a repository.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
	"tabflow/internal/mapping"
)

// Options tunes a Runner.
type Options struct {
	// WaitForData keeps Run polling when a pass finds no units.
	WaitForData bool
	// PollInterval is the wait between empty passes (default 10s).
	PollInterval time.Duration
	// Timezones holds per source field locations for timestamp conversion.
	Timezones map[string]*time.Location
	// Recorder receives every unit result. Optional.
	Recorder ResultRecorder
}

// Runner processes one unit at a time: read, map, commit, archive.
type Runner struct {
	source etl.Source
	repo   etl.Repository
	mapper *mapping.Mapper
	hooks  etl.Hooks
	opts   Options

	// RunID tags log lines and results; a fresh uuid by default.
	RunID string

	prepareMu  sync.Mutex
	reconciled bool
}

// New returns a Runner. source, repo and mapper are required.
func New(source etl.Source, repo etl.Repository, mapper *mapping.Mapper, hooks etl.Hooks, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Runner{
		source: source,
		repo:   repo,
		mapper: mapper,
		hooks:  hooks,
		opts:   opts,
		RunID:  uuid.NewString(),
	}
}

// Run repeats passes until the source runs dry (WaitForData off), a fatal
// error occurs or ctx is done. Only fatal errors are returned; a cancelled
// ctx returns its error.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logging.NewContext(ctx, logging.WithFields(ctx, "run_id", r.RunID, "source", r.source.Label()))
	log := logging.FromContext(ctx)

	waiting := false
	for {
		n, err := r.Pass(ctx)
		if err != nil {
			return err
		}
		if !r.opts.WaitForData {
			return nil
		}
		if n > 0 {
			waiting = false
			continue
		}
		if !waiting {
			log.Info("waiting for more source data", "poll_interval", r.opts.PollInterval)
			waiting = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// Pass makes one full pass over the pending units and returns how many it
// found. Per-unit failures are archived and logged; only fatal errors are
// returned. The repository schema is reconciled before the first pass.
func (r *Runner) Pass(ctx context.Context) (int, error) {
	if err := r.prepare(ctx); err != nil {
		return 0, err
	}
	log := logging.FromContext(ctx)

	units, err := r.source.DataUnits(ctx)
	if err != nil {
		if etl.IsFatal(err) {
			return 0, err
		}
		log.Error("failed to list data units", "error", err)
		return 0, nil
	}

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return len(units), err
		}
		res, fatal := r.ProcessUnit(ctx, unit)
		if r.opts.Recorder != nil {
			if err := r.opts.Recorder.RecordUnit(ctx, res); err != nil {
				log.Warn("failed to record unit result", "unit", unit, "error", err)
			}
		}
		if fatal != nil {
			return len(units), fatal
		}
	}
	return len(units), nil
}

// prepare reconciles the repository schema with the mapped repository
// types plus the repository's extra fields. Only a fatal failure (strict
// schema, configuration) is returned; anything else is logged and the
// reconciliation is retried on the next pass.
func (r *Runner) prepare(ctx context.Context) error {
	r.prepareMu.Lock()
	defer r.prepareMu.Unlock()
	if r.reconciled {
		return nil
	}
	log := logging.FromContext(ctx)
	rec, ok := r.repo.(etl.SchemaReconciler)
	if !ok || !rec.ShouldBuildSchema() {
		log.Info("skipping repository schema build")
		r.reconciled = true
		return nil
	}
	fields := maps.Clone(r.mapper.Compiled("").RepositoryTypes)
	maps.Copy(fields, rec.ExtraFields())
	log.Info("building repository schema", "fields", len(fields))
	if err := rec.ReconcileSchema(ctx, fields); err != nil {
		if etl.IsFatal(err) {
			return fmt.Errorf("schema reconciliation: %w", err)
		}
		log.Error("schema reconciliation failed, retrying next pass", "error", err)
		return nil
	}
	r.reconciled = true
	return nil
}

// ProcessUnit runs one unit end to end and archives it. The second return
// is non-nil only for a fatal error, which must stop the run.
func (r *Runner) ProcessUnit(ctx context.Context, unit string) (UnitResult, error) {
	log := logging.WithFields(ctx, "unit", unit, "source", r.source.Label())
	ctx = logging.NewContext(ctx, log)

	res := UnitResult{RunID: r.RunID, Source: r.source.Label(), Unit: unit, StartedAt: time.Now()}
	err := r.process(ctx, unit, &res)

	switch {
	case err == nil:
		res.Status = StatusDone
		if res.RowsRead > 0 {
			log.Info("unit processed", "read", res.RowsRead, "committed", res.RowsCommitted, "rejected", res.RowsRejected)
		}
	case errors.Is(err, etl.ErrSkipUnit):
		res.Status = StatusSkipped
		res.Err = err
		log.Info("unit skipped", "reason", err)
		res.Duration = time.Since(res.StartedAt)
		return res, nil
	case etl.IsRecognized(err):
		res.Status, res.Err = StatusFailed, err
		log.Error("unit failed", "error", err)
	case etl.IsFatal(err):
		res.Status, res.Err = StatusFailed, err
		log.Error("fatal error, stopping", "error", err)
	default:
		res.Status, res.Err = StatusFailed, err
		log.Error("unit failed with unexpected error", "error", err)
	}

	if aerr := r.source.Archive(ctx, unit, res.Status == StatusDone); aerr != nil {
		log.Error("failed to archive unit", "done", res.Status == StatusDone, "error", aerr)
		res.Err = errors.Join(res.Err, aerr)
		if etl.IsFatal(aerr) {
			res.Duration = time.Since(res.StartedAt)
			return res, aerr
		}
	}
	res.Duration = time.Since(res.StartedAt)
	if etl.IsFatal(err) {
		return res, err
	}
	return res, nil
}

func (r *Runner) process(ctx context.Context, unit string, res *UnitResult) error {
	batches, err := r.source.Read(ctx, unit)
	if err != nil {
		return err
	}
	for _, b := range batches {
		res.RowsRead += b.Len()
	}
	if res.RowsRead > 0 {
		logging.FromContext(ctx).Info("processing unit", "batches", len(batches), "rows", res.RowsRead)
	}

	out := make([]*etl.Batch, 0, len(batches))
	for _, b := range batches {
		mapped, err := r.mapBatch(ctx, b, res)
		if err != nil {
			return err
		}
		out = append(out, mapped)
	}

	if len(out) > 1 && r.hooks.CrossBatch != nil {
		if out, err = runCrossBatch(ctx, r.hooks.CrossBatch, out); err != nil {
			return err
		}
	}

	for _, b := range out {
		if err := r.repo.Commit(ctx, b); err != nil {
			if !etl.IsRecognized(err) && !etl.IsFatal(err) {
				err = fmt.Errorf("%w: %w", etl.ErrRepository, err)
			}
			return err
		}
		res.RowsCommitted += b.Len()
	}
	return nil
}

// mapBatch applies the per-batch stages in order: pre-map hook, coercion,
// validation, header tidier, timestamp conversion, rename, post-map hook.
// The input batch is never modified.
func (r *Runner) mapBatch(ctx context.Context, b *etl.Batch, res *UnitResult) (*etl.Batch, error) {
	log := logging.FromContext(ctx)

	b, err := etl.RunBatchFunc(ctx, "pre-map", r.hooks.PreMap, b)
	if err != nil {
		return nil, err
	}
	c := r.mapper.Compiled(b.Name)
	b = mapping.Coerce(b, c.SourceTypes)
	if b.Len() == 0 {
		return b, nil
	}

	if c.Schema == nil || len(c.Fields) == 0 {
		log.Warn("no validation schema, validation disabled", "dataset", b.Name)
	}
	clean, failed, issues, err := mapping.Validate(b, c.Schema, c.Fields)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		res.reject(b.Name, failed, issues)
		log.Warn("rows failed validation", "dataset", b.Name, "rows", failed, "first", issues[0].String())
	}

	etl.TidyHeaders(clean, r.hooks.HeaderTidier)
	if err := mapping.ConvertTimestamps(clean, c.Timestamps, r.opts.Timezones); err != nil {
		return nil, err
	}
	clean.RenameColumns(c.Rename)

	return etl.RunBatchFunc(ctx, "post-map", r.hooks.PostMapFor(b.Name), clean)
}

func runCrossBatch(ctx context.Context, f etl.CrossBatchFunc, batches []*etl.Batch) (out []*etl.Batch, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: cross-batch hook panicked: %v", etl.ErrTransformation, p)
		}
	}()
	in := make([]*etl.Batch, len(batches))
	for i, b := range batches {
		in[i] = b.Clone()
	}
	if out, err = f(ctx, in); err != nil {
		return nil, fmt.Errorf("%w: cross-batch hook: %w", etl.ErrTransformation, err)
	}
	return out, nil
}
