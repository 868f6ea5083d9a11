package etl

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// ── Repository ─────────────────────────────────────────────
// A Repository writes mapped batches into a target system.
// Implementations live in etl/destinations/.

// Repository commits batches. Commit may chunk internally; failures wrap
// ErrRepository.
type Repository interface {
	Commit(ctx context.Context, b *Batch) error
	Close() error
}

// SchemaReconciler is implemented by repositories with a discoverable schema.
// Fields absent from the target are added; a type mismatch on an existing
// field is updated, or fails with ErrStrictSchema in strict mode.
type SchemaReconciler interface {
	ReconcileSchema(ctx context.Context, fields map[string]string) error
	// ShouldBuildSchema reports whether reconciliation is enabled.
	ShouldBuildSchema() bool
	// ExtraFields are merged into the mapped repository types before reconciling.
	ExtraFields() map[string]string
}

// RepositoryFactory builds a Repository from the environment.
type RepositoryFactory func(ctx context.Context, env Env) (Repository, error)

// ── Repository Registry ────────────────────────────────────

var (
	repoRegistryMu sync.RWMutex
	repoRegistry   = map[string]RepositoryFactory{}
)

// RegisterRepository registers a repository factory under a type tag.
// Panics if the tag is already registered.
func RegisterRepository(tag string, f RepositoryFactory) {
	repoRegistryMu.Lock()
	defer repoRegistryMu.Unlock()
	if _, ok := repoRegistry[tag]; ok {
		panic(fmt.Sprintf("etl: repository %q registered twice", tag))
	}
	repoRegistry[tag] = f
}

// NewRepository builds the repository registered under tag.
// An unknown tag fails with ErrConfiguration.
func NewRepository(ctx context.Context, tag string, env Env) (Repository, error) {
	repoRegistryMu.RLock()
	f, ok := repoRegistry[tag]
	repoRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown repository type: %q", ErrConfiguration, tag)
	}
	return f(ctx, env)
}

// RepositoryTags returns the registered repository tags, sorted.
func RepositoryTags() []string {
	repoRegistryMu.RLock()
	defer repoRegistryMu.RUnlock()
	tags := make([]string, 0, len(repoRegistry))
	for t := range repoRegistry {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

// Chunks splits rows into consecutive slices of at most size rows.
func Chunks(rows []Record, size int) [][]Record {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]Record
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
