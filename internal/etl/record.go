package etl

import (
	"maps"
	"slices"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// All sources emit Batches of Records, all repositories consume them.
// Values start as strings (or nil for a missing cell) and are coerced to
// int64, float64, bool or time.Time by the mapping stage.

// Record is a single row of data flowing through the pipeline.
type Record struct {
	Data map[string]any `json:"data"`
}

// Clone returns a record with its own copy of Data.
func (r Record) Clone() Record {
	return Record{Data: maps.Clone(r.Data)}
}

// ── Batch ──────────────────────────────────────────────────

// Batch is an ordered set of rows with named columns. A unit may produce
// several named batches (one per dataset); a single batch has an empty Name.
type Batch struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

// NewBatch returns an empty batch with the given columns.
func NewBatch(name string, columns []string) *Batch {
	return &Batch{Name: name, Columns: slices.Clone(columns)}
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Append adds a row. Keys not yet known become new trailing columns in
// sorted order.
func (b *Batch) Append(data map[string]any) {
	var added []string
	for k := range data {
		if !b.HasColumn(k) {
			added = append(added, k)
		}
	}
	slices.Sort(added)
	b.Columns = append(b.Columns, added...)
	b.Rows = append(b.Rows, Record{Data: data})
}

// HasColumn reports whether name is one of the batch columns.
func (b *Batch) HasColumn(name string) bool {
	return slices.Contains(b.Columns, name)
}

// AddColumn appends a column set to value in every row.
func (b *Batch) AddColumn(name string, value any) {
	if !b.HasColumn(name) {
		b.Columns = append(b.Columns, name)
	}
	for i := range b.Rows {
		if b.Rows[i].Data == nil {
			b.Rows[i].Data = map[string]any{}
		}
		b.Rows[i].Data[name] = value
	}
}

// Clone deep-copies the batch so destructive stages never alias the
// caller's rows.
func (b *Batch) Clone() *Batch {
	c := &Batch{
		Name:    b.Name,
		Columns: slices.Clone(b.Columns),
		Rows:    make([]Record, len(b.Rows)),
	}
	for i, r := range b.Rows {
		c.Rows[i] = r.Clone()
	}
	return c
}

// Without returns a copy of the batch with the rows at the given indices removed.
func (b *Batch) Without(indices []int) *Batch {
	drop := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		drop[i] = struct{}{}
	}
	c := &Batch{Name: b.Name, Columns: slices.Clone(b.Columns)}
	for i, r := range b.Rows {
		if _, ok := drop[i]; ok {
			continue
		}
		c.Rows = append(c.Rows, r.Clone())
	}
	return c
}

// RenameColumns renames columns in place. Columns absent from mapping keep
// their name. If two columns end up with the same name the later one wins.
func (b *Batch) RenameColumns(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	var cols []string
	seen := make(map[string]bool, len(b.Columns))
	for _, c := range b.Columns {
		n := mapping[c]
		if n == "" {
			n = c
		}
		if !seen[n] {
			seen[n] = true
			cols = append(cols, n)
		}
	}
	rename := func(c string) string {
		if to, ok := mapping[c]; ok && to != "" {
			return to
		}
		return c
	}
	for i, r := range b.Rows {
		out := make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			if !slices.Contains(b.Columns, k) {
				out[rename(k)] = v
			}
		}
		for _, c := range b.Columns {
			if v, ok := r.Data[c]; ok {
				out[rename(c)] = v
			}
		}
		b.Rows[i].Data = out
	}
	b.Columns = cols
}
