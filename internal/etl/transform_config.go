package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TransformConfig is one entry of the PROCESSING_TRANSFORMS list.
type TransformConfig struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Transforms is a compiled transform list.
type Transforms struct {
	steps []Step
}

// Len is the number of steps.
func (t *Transforms) Len() int {
	if t == nil {
		return 0
	}
	return len(t.steps)
}

// Apply runs the steps over a copy of b.
func (t *Transforms) Apply(b *Batch) *Batch {
	return ApplySteps(b, t.steps)
}

// ParseTransforms compiles a JSON list of transforms. Blank input yields
// nil. Malformed entries fail with ErrConfiguration, naming the entry.
func ParseTransforms(raw string) (*Transforms, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var configs []TransformConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("%w: parse transforms: %w", ErrConfiguration, err)
	}
	t := &Transforms{}
	for i, tc := range configs {
		step, err := compileStep(tc)
		if err != nil {
			return nil, fmt.Errorf("%w: transform %d (%s): %w", ErrConfiguration, i, tc.Type, err)
		}
		t.steps = append(t.steps, step)
	}
	return t, nil
}

// TransformHook wraps t as a post-map BatchFunc. It is nil for no steps.
func TransformHook(t *Transforms) BatchFunc {
	if t.Len() == 0 {
		return nil
	}
	return func(_ context.Context, b *Batch) (*Batch, error) {
		return t.Apply(b), nil
	}
}

func compileStep(tc TransformConfig) (Step, error) {
	switch tc.Type {
	case "filter":
		var c struct {
			Field string `json:"field"`
			Op    string `json:"op"`
			Value any    `json:"value"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		switch c.Op {
		case "eq", "neq", "gt", "lt", "contains":
		default:
			return nil, fmt.Errorf("unknown op %q", c.Op)
		}
		if c.Field == "" {
			return nil, fmt.Errorf("field is required")
		}
		return filterStep(c.Field, c.Op, c.Value), nil

	case "rename":
		var c struct {
			Mapping map[string]string `json:"mapping"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if len(c.Mapping) == 0 {
			return nil, fmt.Errorf("mapping is required")
		}
		return renameStep(c.Mapping), nil

	case "select":
		var c struct {
			Fields []string `json:"fields"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if len(c.Fields) == 0 {
			return nil, fmt.Errorf("fields is required")
		}
		return selectStep(c.Fields), nil

	case "dedupe":
		var c struct {
			Key string `json:"key"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if c.Key == "" {
			return nil, fmt.Errorf("key is required")
		}
		return dedupeStep(c.Key), nil

	case "compute":
		var c struct {
			Columns []ComputeColumn `json:"columns"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		for _, col := range c.Columns {
			if col.Name == "" || col.Expression == "" {
				return nil, fmt.Errorf("every column needs a name and an expression")
			}
		}
		return computeStep(c.Columns), nil

	case "sort":
		var c struct {
			Field     string `json:"field"`
			Direction string `json:"direction"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if c.Field == "" {
			return nil, fmt.Errorf("field is required")
		}
		if c.Direction != "" && c.Direction != "asc" && c.Direction != "desc" {
			return nil, fmt.Errorf("direction %q must be asc or desc", c.Direction)
		}
		return sortStep(c.Field, c.Direction == "desc"), nil

	case "limit":
		var c struct {
			Count int `json:"count"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if c.Count <= 0 {
			return nil, fmt.Errorf("count must be positive")
		}
		return limitStep(c.Count), nil

	case "type_cast":
		var c struct {
			Field    string `json:"field"`
			CastType string `json:"castType"`
		}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		switch c.CastType {
		case "number", "string", "bool":
		default:
			return nil, fmt.Errorf("castType %q must be number, string or bool", c.CastType)
		}
		if c.Field == "" {
			return nil, fmt.Errorf("field is required")
		}
		return castStep(c.Field, c.CastType), nil

	case "generate_id":
		c := struct {
			Fields    []string `json:"fields"`
			IDField   string   `json:"idField"`
			Overwrite bool     `json:"overwrite"`
			Hash      *bool    `json:"hash"`
		}{}
		if err := decodeParams(tc, &c); err != nil {
			return nil, err
		}
		if len(c.Fields) == 0 {
			return nil, fmt.Errorf("fields is required")
		}
		plain := c.Hash != nil && !*c.Hash
		return generateIDStep(GenerateID{Fields: c.Fields, IDField: c.IDField, Overwrite: c.Overwrite, Plain: plain}), nil
	}
	return nil, fmt.Errorf("unknown transform type")
}

func decodeParams(tc TransformConfig, v any) error {
	if len(tc.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(tc.Config, v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
