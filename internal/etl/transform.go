package etl

import (
	"cmp"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ── Declarative Steps ──────────────────────────────────────
// A configured transform list compiles into steps over the rows of one
// batch. Steps run in list order, so a sort followed by a limit keeps the
// top rows.

// Step rewrites the rows of a batch. It owns the slice it is given.
type Step func(rows []Record) []Record

// eachRow lifts a per-row rewrite into a Step. Returning false drops the row.
func eachRow(f func(r Record) (Record, bool)) Step {
	return func(rows []Record) []Record {
		out := rows[:0]
		for _, r := range rows {
			if r, keep := f(r); keep {
				out = append(out, r)
			}
		}
		return out
	}
}

func filterStep(field, op string, want any) Step {
	return eachRow(func(r Record) (Record, bool) {
		v, ok := r.Data[field]
		if !ok {
			return r, false
		}
		switch op {
		case "eq":
			return r, fmt.Sprint(v) == fmt.Sprint(want)
		case "neq":
			return r, fmt.Sprint(v) != fmt.Sprint(want)
		case "contains":
			return r, strings.Contains(fmt.Sprint(v), fmt.Sprint(want))
		case "gt":
			return r, compareValues(v, want) > 0
		case "lt":
			return r, compareValues(v, want) < 0
		}
		return r, true
	})
}

func renameStep(mapping map[string]string) Step {
	return eachRow(func(r Record) (Record, bool) {
		for from, to := range mapping {
			if v, ok := r.Data[from]; ok {
				delete(r.Data, from)
				r.Data[to] = v
			}
		}
		return r, true
	})
}

func selectStep(fields []string) Step {
	return eachRow(func(r Record) (Record, bool) {
		kept := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := r.Data[f]; ok {
				kept[f] = v
			}
		}
		r.Data = kept
		return r, true
	})
}

// dedupeStep keeps the first row of every key value within the batch.
func dedupeStep(key string) Step {
	return func(rows []Record) []Record {
		seen := map[string]struct{}{}
		return slices.DeleteFunc(rows, func(r Record) bool {
			k := fmt.Sprint(r.Data[key])
			if _, dup := seen[k]; dup {
				return true
			}
			seen[k] = struct{}{}
			return false
		})
	}
}

// ComputeColumn sets Name to Expression with {field} references resolved.
// A result that parses as a number is stored as float64.
type ComputeColumn struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

func computeStep(cols []ComputeColumn) Step {
	return eachRow(func(r Record) (Record, bool) {
		for _, c := range cols {
			r.Data[c.Name] = expand(c.Expression, r.Data)
		}
		return r, true
	})
}

func expand(expr string, data map[string]any) any {
	var pairs []string
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	s := strings.NewReplacer(pairs...).Replace(expr)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func sortStep(field string, desc bool) Step {
	return func(rows []Record) []Record {
		slices.SortStableFunc(rows, func(a, b Record) int {
			c := compareValues(a.Data[field], b.Data[field])
			if desc {
				return -c
			}
			return c
		})
		return rows
	}
}

func limitStep(n int) Step {
	return func(rows []Record) []Record {
		return rows[:min(n, len(rows))]
	}
}

func castStep(field, to string) Step {
	return eachRow(func(r Record) (Record, bool) {
		v, ok := r.Data[field]
		if !ok || v == nil {
			return r, true
		}
		switch to {
		case "number":
			f, _ := toFloat(v)
			r.Data[field] = f
		case "string":
			r.Data[field] = fmt.Sprint(v)
		case "bool":
			r.Data[field] = truthy(v)
		}
		return r, true
	})
}

// GenerateID derives an id from other fields: values joined with "-" and,
// unless Plain is set, md5-hashed. Missing values render as "nan".
type GenerateID struct {
	Fields    []string
	IDField   string
	Overwrite bool
	Plain     bool
}

// ID returns the id for data.
func (g GenerateID) ID(data map[string]any) string {
	parts := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		switch v := data[f].(type) {
		case nil:
			parts[i] = "nan"
		case time.Time:
			parts[i] = v.Format("2006-01-02 15:04:05")
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	id := strings.Join(parts, "-")
	if g.Plain {
		return id
	}
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

func generateIDStep(g GenerateID) Step {
	if g.IDField == "" {
		g.IDField = "id"
	}
	return eachRow(func(r Record) (Record, bool) {
		if _, ok := r.Data[g.IDField]; !ok || g.Overwrite {
			r.Data[g.IDField] = g.ID(r.Data)
		}
		return r, true
	})
}

// ── Batch Application ──────────────────────────────────────

// ApplySteps runs steps over a copy of b. Columns keep their order; columns
// added by a step are appended sorted; columns no row carries any more are
// dropped. An emptied batch keeps the input columns.
func ApplySteps(b *Batch, steps []Step) *Batch {
	rows := make([]Record, len(b.Rows))
	for i, r := range b.Rows {
		rows[i] = r.Clone()
	}
	for _, step := range steps {
		rows = step(rows)
	}

	out := &Batch{Name: b.Name, Rows: rows}
	if len(rows) == 0 {
		out.Columns = slices.Clone(b.Columns)
		return out
	}
	present := map[string]bool{}
	for _, r := range rows {
		for k := range r.Data {
			present[k] = true
		}
	}
	for _, c := range b.Columns {
		if present[c] {
			out.Columns = append(out.Columns, c)
			delete(present, c)
		}
	}
	added := make([]string, 0, len(present))
	for k := range present {
		added = append(added, k)
	}
	slices.Sort(added)
	out.Columns = append(out.Columns, added...)
	return out
}

// ── Value helpers ──────────────────────────────────────────

// compareValues orders numbers numerically, times chronologically and
// everything else by its text.
func compareValues(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return cmp.Compare(fa, fb)
	}
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Compare(tb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "y", "1":
			return true
		}
		return false
	}
	f, ok := toFloat(v)
	return ok && f != 0
}
