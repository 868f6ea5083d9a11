package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/samber/lo"

	"tabflow/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// A root array of objects is one batch. A root object whose values are all
// arrays of objects is a multi-dataset unit: one batch named after each key.
// Any other root object is a single row.

func init() {
	etl.RegisterSource("file.json", func(_ context.Context, env etl.Env) (etl.Source, error) {
		return newFileSource("JSON file", env.Config.File, readJSONFile)
	})
}

func readJSONFile(path string) ([]*etl.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	switch v := raw.(type) {
	case []any:
		b, err := toBatch("", v)
		if err != nil {
			return nil, err
		}
		return []*etl.Batch{b}, nil
	case map[string]any:
		if len(v) > 0 && lo.EveryBy(lo.Values(v), isObjectList) {
			keys := lo.Keys(v)
			slices.Sort(keys)
			batches := make([]*etl.Batch, 0, len(keys))
			for _, k := range keys {
				b, err := toBatch(k, v[k].([]any))
				if err != nil {
					return nil, err
				}
				batches = append(batches, b)
			}
			return batches, nil
		}
		b := etl.NewBatch("", nil)
		b.Append(flattenMap(v))
		return []*etl.Batch{b}, nil
	default:
		return nil, fmt.Errorf("json root must be an array or an object")
	}
}

func isObjectList(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	return lo.EveryBy(items, func(it any) bool {
		_, ok := it.(map[string]any)
		return ok
	})
}

// toBatch converts an array of objects into a batch. Rows missing a key get
// nil for that column.
func toBatch(name string, items []any) (*etl.Batch, error) {
	b := etl.NewBatch(name, nil)
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d of %q is not an object", i, name)
		}
		b.Append(flattenMap(m))
	}
	for _, r := range b.Rows {
		for _, c := range b.Columns {
			if _, ok := r.Data[c]; !ok {
				r.Data[c] = nil
			}
		}
	}
	return b, nil
}

// flattenMap turns JSON values into cell strings. Nested objects and arrays
// are kept as JSON text.
func flattenMap(m map[string]any) map[string]any {
	flat := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		default:
			flat[k] = cellString(v)
		}
	}
	return flat
}
