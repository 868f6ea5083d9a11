package mapping

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"tabflow/internal/etl"
)

// Compiled is the derived, immutable form of a dataset scope.
type Compiled struct {
	Dataset string

	// Rename maps source field names to repository field names.
	Rename map[string]string
	// SourceTypes maps source field names to their declared types.
	SourceTypes map[string]string
	// RepositoryTypes maps repository field names to their declared types.
	RepositoryTypes map[string]string
	// Timestamps lists the source fields declared as timestamp.
	Timestamps []string

	// Schema is nil when no row yields a validator.
	Schema *Schema
	// Fields are the source field names the schema validates.
	Fields []string
}

// Mapper holds the filtered specification table and caches one Compiled
// per dataset scope for the lifetime of the run.
type Mapper struct {
	specs []FieldSpec

	mu    sync.Mutex
	cache map[string]*Compiled
}

// New drops ignored rows, then keeps only rows tagged with one of datasets
// (no datasets keeps everything). An empty result fails with ErrSourceData.
func New(specs []FieldSpec, datasets ...string) (*Mapper, error) {
	kept := lo.Reject(specs, func(s FieldSpec, _ int) bool { return s.Ignore })
	kept = FilterDatasets(kept, datasets...)
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: field specification is empty after filtering datasets %v", etl.ErrSourceData, datasets)
	}
	return &Mapper{specs: kept, cache: map[string]*Compiled{}}, nil
}

// FilterDatasets keeps rows whose dataset is one of datasets. No datasets
// is a no-op.
func FilterDatasets(specs []FieldSpec, datasets ...string) []FieldSpec {
	if len(datasets) == 0 {
		return slices.Clone(specs)
	}
	return lo.Filter(specs, func(s FieldSpec, _ int) bool {
		return slices.Contains(datasets, s.Dataset)
	})
}

// Specs returns the rows of a dataset scope. The empty scope is the whole
// table; a named scope holds only the rows tagged with it.
func (m *Mapper) Specs(dataset string) []FieldSpec {
	if dataset == "" {
		return slices.Clone(m.specs)
	}
	return lo.Filter(m.specs, func(s FieldSpec, _ int) bool {
		return s.Dataset == dataset
	})
}

// Compiled returns the cached compiled mapping for a dataset scope,
// building it on first use.
func (m *Mapper) Compiled(dataset string) *Compiled {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[dataset]; ok {
		return c
	}
	specs := m.Specs(dataset)
	schema, fields := CompileSchema(specs)
	c := &Compiled{
		Dataset:         dataset,
		Rename:          RenameTable(specs),
		SourceTypes:     SourceTypes(specs),
		RepositoryTypes: RepositoryTypes(specs),
		Timestamps:      TimestampFields(specs),
		Schema:          schema,
		Fields:          fields,
	}
	m.cache[dataset] = c
	return c
}

// ColumnMapping maps values of column from to values of column to, using
// only rows where both are non-empty. Duplicate keys: the last row wins.
func ColumnMapping(specs []FieldSpec, from, to string) map[string]string {
	m := map[string]string{}
	for _, s := range specs {
		if s.Ignore {
			continue
		}
		k, v := s.Get(from), s.Get(to)
		if k == "" || v == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// SourceTypes maps source field names to source field types.
func SourceTypes(specs []FieldSpec) map[string]string {
	return ColumnMapping(specs, ColSourceFieldName, ColSourceFieldType)
}

// RepositoryTypes maps repository field names to repository field types.
func RepositoryTypes(specs []FieldSpec) map[string]string {
	return ColumnMapping(specs, ColRepositoryFieldName, ColRepositoryFieldType)
}

// RenameTable maps source field names to repository field names.
func RenameTable(specs []FieldSpec) map[string]string {
	return ColumnMapping(specs, ColSourceFieldName, ColRepositoryFieldName)
}

// TimestampFields lists source fields whose effective type is timestamp.
func TimestampFields(specs []FieldSpec) []string {
	types := SourceTypes(specs)
	fields := lo.Keys(lo.PickByValues(types, []string{TypeTimestamp}))
	slices.Sort(fields)
	return fields
}
