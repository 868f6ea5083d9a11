// Package app wires configuration, adapters, mapper and hooks into a
// running pipeline service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
	"tabflow/internal/mapping"
	"tabflow/internal/pipeline"
	"tabflow/internal/service"
	"tabflow/internal/storage"

	// adapters register themselves
	_ "tabflow/internal/etl/destinations"
	_ "tabflow/internal/etl/sources"
)

// App owns everything a run needs and closes it on shutdown.
type App struct {
	cfg     *config.Config
	source  etl.Source
	repo    etl.Repository
	runner  *pipeline.Runner
	svc     *service.PipelineService
	history *storage.DB
}

// Options are the programmatic extensions of a configured App.
type Options struct {
	// Hooks are user transforms. Declarative transforms from the
	// configuration run after Hooks.PostMap.
	Hooks etl.Hooks
	// Once forces a single pass regardless of the trigger.
	Once bool
	// Emitter receives pipeline events. Defaults to a log emitter.
	Emitter service.EventEmitter
}

// New builds the App described by cfg. Every failure is a configuration
// error, including unreachable sources and repositories.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	log := logging.FromContext(ctx)
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	mapper, zones, err := loadMapper(cfg.Mapper)
	if err != nil {
		return nil, err
	}

	hooks, err := buildHooks(cfg.Processing, opts.Hooks)
	if err != nil {
		return nil, err
	}

	env := etl.Env{Config: cfg, Hooks: hooks, Logger: log}
	if a.source, err = etl.NewSource(ctx, cfg.Source.Type, env); err != nil {
		return nil, asConfigError(err)
	}
	if a.repo, err = etl.NewRepository(ctx, cfg.Repository.Type, env); err != nil {
		return nil, asConfigError(err)
	}

	var (
		recorder pipeline.ResultRecorder
		history  service.RunHistory
	)
	if cfg.RunLog.Path != "" {
		if a.history, err = storage.Open(cfg.RunLog.Path); err != nil {
			return nil, fmt.Errorf("%w: run log: %w", etl.ErrConfiguration, err)
		}
		store := storage.NewRunLogStore(a.history)
		recorder, history = store, store
	}

	a.runner = pipeline.New(a.source, a.repo, mapper, hooks, pipeline.Options{
		WaitForData:  cfg.Processing.WaitForData && !opts.Once,
		PollInterval: cfg.Processing.PollInterval,
		Timezones:    zones,
		Recorder:     recorder,
	})

	svcOpts := service.Options{
		Trigger:    service.Trigger(cfg.Processing.Trigger),
		Schedule:   cfg.Processing.Schedule,
		Debounce:   cfg.Processing.Debounce,
		RunID:      a.runner.RunID,
		Source:     cfg.Source.Type,
		Repository: cfg.Repository.Type,
		History:    history,
		Emitter:    opts.Emitter,
	}
	if opts.Once {
		svcOpts.Trigger = service.TriggerPoll
	}
	if svcOpts.Trigger == service.TriggerWatch {
		svcOpts.WatchDir, svcOpts.Debounce = watchTarget(cfg)
	}
	a.svc = service.NewPipelineService(a.runner, svcOpts)

	log.Info("pipeline configured",
		"source", a.source.Label(), "repository", cfg.Repository.Type,
		"trigger", svcOpts.Trigger, "run_id", a.runner.RunID)
	return a, nil
}

// Run blocks until the pipeline stops. A cancelled ctx is a clean stop
// and returns nil.
func (a *App) Run(ctx context.Context) error {
	err := a.svc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunID identifies this run in logs and the run history.
func (a *App) RunID() string { return a.runner.RunID }

// Shutdown waits for the running pass, bounded by ctx, and closes every
// resource.
func (a *App) Shutdown(ctx context.Context) error {
	if a.svc != nil {
		a.svc.Stop()
		a.svc.WaitRunning(ctx)
	}
	return a.Close()
}

// Close releases the source, the repository and the run log.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.source.(etl.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	return errors.Join(errs...)
}

func loadMapper(cfg config.MapperConfig) (*mapping.Mapper, map[string]*time.Location, error) {
	sep, _ := utf8.DecodeRuneInString(cfg.Separator)
	specs, err := mapping.LoadFieldSpecs(cfg.File, sep)
	if err != nil {
		return nil, nil, asConfigError(err)
	}
	mapper, err := mapping.New(specs, cfg.Datasets...)
	if err != nil {
		return nil, nil, asConfigError(err)
	}
	table, err := cfg.TimezoneTable()
	if err != nil {
		return nil, nil, asConfigError(err)
	}
	zones, err := mapping.LoadLocations(table)
	if err != nil {
		return nil, nil, asConfigError(err)
	}
	return mapper, zones, nil
}

func buildHooks(cfg config.ProcessingConfig, user etl.Hooks) (etl.Hooks, error) {
	hooks := user
	if hooks.HeaderTidier == nil {
		tidy, err := etl.HeaderTidier(cfg.HeaderTidier)
		if err != nil {
			return hooks, err
		}
		hooks.HeaderTidier = tidy
	}
	transforms, err := etl.ParseTransforms(cfg.Transforms)
	if err != nil {
		return hooks, asConfigError(err)
	}
	if transforms.Len() == 0 {
		return hooks, nil
	}
	// a dataset hook replaces PostMap, so the transforms follow each of them
	apply := etl.TransformHook(transforms)
	hooks.PostMap = etl.Compose(hooks.PostMap, apply)
	if len(user.PostMapByDataset) > 0 {
		hooks.PostMapByDataset = make(map[string]etl.BatchFunc, len(user.PostMapByDataset))
		for name, f := range user.PostMapByDataset {
			hooks.PostMapByDataset[name] = etl.Compose(f, apply)
		}
	}
	return hooks, nil
}

// watchTarget picks the directory a watch trigger observes. File units
// younger than the minimum age are not picked up, so the quiet period is
// stretched past it.
func watchTarget(cfg *config.Config) (string, time.Duration) {
	debounce := cfg.Processing.Debounce
	switch {
	case strings.HasPrefix(cfg.Source.Type, "file."):
		return cfg.File.SourceLocation, max(debounce, cfg.File.MinAge+time.Second)
	case cfg.Source.Type == "metadata.file":
		return cfg.Metadata.Location, debounce
	default:
		return "", debounce
	}
}

func asConfigError(err error) error {
	if etl.IsFatal(err) || errors.Is(err, etl.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
}
