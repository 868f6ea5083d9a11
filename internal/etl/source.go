package etl

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"tabflow/internal/config"
)

// ── Source ──────────────────────────────────────────────────
// A Source hands out pending data units and reads each one into batches.
// Implementations live in etl/sources/, one file per source type.
//
// Lifecycle per unit: DataUnits → Read → Archive(done).

// Source is the interface every data source must implement.
type Source interface {
	// Label names the source in log lines.
	Label() string

	// DataUnits returns the identifiers of the currently pending units.
	DataUnits(ctx context.Context) ([]string, error)

	// Read loads one unit. Values are strings or nil. A unit that holds
	// several datasets returns one named batch per dataset.
	// Failures wrap ErrSourceData.
	Read(ctx context.Context, unit string) ([]*Batch, error)

	// Archive records the outcome of a unit. It must be idempotent.
	Archive(ctx context.Context, unit string, done bool) error
}

// Closer is implemented by sources holding connections.
type Closer interface {
	Close() error
}

// Env is what a factory gets to build an adapter: the explicit configuration,
// the injected hooks and a logger.
type Env struct {
	Config *config.Config
	Hooks  Hooks
	Logger *slog.Logger
}

// Log returns the env logger or the default one.
func (e Env) Log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SourceFactory builds a Source from the environment.
type SourceFactory func(ctx context.Context, env Env) (Source, error)

// ── Source Registry ────────────────────────────────────────
// Compile-time registration via init() in each source file.

var (
	registryMu sync.RWMutex
	registry   = map[string]SourceFactory{}
)

// RegisterSource registers a source factory under a type tag.
// Called from init() in each source implementation file.
// Panics if the tag is already registered.
func RegisterSource(tag string, f SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[tag]; ok {
		panic(fmt.Sprintf("etl: source %q registered twice", tag))
	}
	registry[tag] = f
}

// NewSource builds the source registered under tag.
// An unknown tag fails with ErrConfiguration.
func NewSource(ctx context.Context, tag string, env Env) (Source, error) {
	registryMu.RLock()
	f, ok := registry[tag]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type: %q", ErrConfiguration, tag)
	}
	return f(ctx, env)
}

// SourceTags returns the registered source tags, sorted.
func SourceTags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(registry))
	for t := range registry {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}
