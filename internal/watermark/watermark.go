// Package watermark tracks the per-unit incremental extraction cursor of
// column-ordered sources.
package watermark

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

// TimeLayout renders time cursors. Fixed width keeps string order equal to
// time order.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Store persists the cursor map.
type Store interface {
	Load() (map[string]any, error)
	Save(cursors map[string]any) error
}

// Manager holds the cursor of every unit. A cursor only moves forward and
// only after a successful read; it reaches the store on Flush.
type Manager struct {
	store Store

	mu      sync.Mutex
	cursors map[string]any
	dirty   bool
}

// New loads the persisted cursors unless reset is set. A reset clears the
// in-memory map only; the store is overwritten on the next Flush. An
// unreadable store fails with ErrConfiguration rather than being replaced,
// since starting empty would re-extract every unit.
func New(ctx context.Context, store Store, reset bool) (*Manager, error) {
	m := &Manager{store: store, cursors: map[string]any{}}
	if store == nil || reset {
		m.dirty = reset && store != nil
		return m, nil
	}
	cursors, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	for k, v := range cursors {
		m.cursors[k] = normalize(v)
	}
	logging.FromContext(ctx).Debug("watermarks loaded", "units", len(m.cursors))
	return m, nil
}

// Get returns the cursor of unit.
func (m *Manager) Get(unit string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cursors[unit]
	return v, ok
}

// Snapshot returns a copy of all cursors.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.cursors)
}

// Query extends base with the incremental predicate and ordering for unit.
func (m *Manager) Query(base, unit, column string) string {
	if column == "" {
		return base
	}
	cursor, ok := m.Get(unit)
	if !ok {
		return fmt.Sprintf("%s order by %s asc", base, column)
	}
	return fmt.Sprintf("%s where %s > %s order by %s asc", base, column, Literal(cursor), column)
}

// Advance moves the cursor of unit to the last of values, which are the
// watermark column values of a read in result order. Values out of
// ascending order, or not beyond the current cursor, fail with
// ErrSourceData and leave the cursor untouched.
func (m *Manager) Advance(unit string, values []any) error {
	if len(values) == 0 {
		return nil
	}
	norm := make([]any, len(values))
	for i, v := range values {
		if v == nil {
			return fmt.Errorf("%w: watermark value missing at row %d of %s", etl.ErrSourceData, i, unit)
		}
		norm[i] = normalize(v)
		if i > 0 && compare(norm[i-1], norm[i]) > 0 {
			return fmt.Errorf("%w: watermark values of %s not ascending at row %d (%v after %v)",
				etl.ErrSourceData, unit, i, norm[i], norm[i-1])
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[unit]; ok && compare(norm[0], cur) <= 0 {
		return fmt.Errorf("%w: watermark value %v of %s does not advance past %v",
			etl.ErrSourceData, norm[0], unit, cur)
	}
	m.cursors[unit] = norm[len(norm)-1]
	m.dirty = true
	return nil
}

// Flush persists the cursors when they changed since the last flush.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil || !m.dirty {
		return nil
	}
	if err := m.store.Save(maps.Clone(m.cursors)); err != nil {
		return fmt.Errorf("persist watermarks: %w", err)
	}
	m.dirty = false
	return nil
}

// Literal renders a cursor for a SQL predicate: numbers bare, anything else
// single-quoted with embedded quotes doubled.
func Literal(v any) string {
	switch x := normalize(v).(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

// normalize folds driver and JSON value types onto int64, float64 and string.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case interface{ Int64() (int64, error) }:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, ok := x.(interface{ Float64() (float64, error) }); ok {
			if n, err := f.Float64(); err == nil {
				return n
			}
		}
		return fmt.Sprint(x)
	case time.Time:
		return x.Format(TimeLayout)
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func compare(a, b any) int {
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// number also accepts numeric text: DECIMAL columns scan as strings.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}
