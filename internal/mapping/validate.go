package mapping

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"tabflow/internal/etl"
)

// Source field types with dedicated handling.
const (
	TypeInt       = "int"
	TypeFloat     = "float"
	TypeTimestamp = "timestamp"
	TypeString    = "string"
)

// FieldValidator checks the values of one source column.
type FieldValidator struct {
	Field string
	Type  string
	Min   *float64
	Max   *float64
}

// Schema is the ordered list of validators of a dataset scope.
type Schema struct {
	Validators []FieldValidator
}

// Issue describes one failed check.
type Issue struct {
	Row    int
	Field  string
	Value  any
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("row %d: %s=%v: %s", i.Row, i.Field, i.Value, i.Reason)
}

// CompileSchema builds one validator per non-ignored, required row that
// declares both a source name and type and has something to check. It
// returns a nil schema when no row yields a validator.
func CompileSchema(specs []FieldSpec) (*Schema, []string) {
	var (
		validators []FieldValidator
		fields     []string
	)
	for _, s := range specs {
		if s.Ignore || s.AllowMissing || s.SourceFieldName == "" || s.SourceFieldType == "" {
			continue
		}
		numeric := s.SourceFieldType == TypeInt || s.SourceFieldType == TypeFloat
		if !numeric && s.Min == nil && s.Max == nil {
			continue
		}
		validators = append(validators, FieldValidator{
			Field: s.SourceFieldName,
			Type:  s.SourceFieldType,
			Min:   s.Min,
			Max:   s.Max,
		})
		if !slices.Contains(fields, s.SourceFieldName) {
			fields = append(fields, s.SourceFieldName)
		}
	}
	if len(validators) == 0 {
		return nil, nil
	}
	return &Schema{Validators: validators}, fields
}

// Check returns the reason v fails the validator, "" when it passes.
func (fv FieldValidator) Check(v any) string {
	var (
		n   float64
		err error
	)
	switch fv.Type {
	case TypeInt:
		var i int64
		i, err = toInt(v)
		n = float64(i)
	default:
		n, err = toNumber(v)
	}
	if err != nil {
		if fv.Type == TypeInt || fv.Type == TypeFloat {
			return fmt.Sprintf("not convertible to %s", fv.Type)
		}
		return "not numeric"
	}
	if fv.Min != nil && n < *fv.Min {
		return fmt.Sprintf("below minimum %v", *fv.Min)
	}
	if fv.Max != nil && n > *fv.Max {
		return fmt.Sprintf("above maximum %v", *fv.Max)
	}
	return ""
}

// Validate runs schema over the named columns of b and partitions its rows.
// It returns a copy of b without the failing rows, the failing original row
// indices in ascending order and one Issue per failed check. b is never
// modified. A nil schema or no fields disables validation.
func Validate(b *etl.Batch, schema *Schema, fields []string) (*etl.Batch, []int, []Issue, error) {
	if schema == nil || len(fields) == 0 || b == nil {
		return b, nil, nil, nil
	}
	for _, f := range fields {
		if !b.HasColumn(f) {
			return nil, nil, nil, fmt.Errorf("%w: required field %q is missing from batch %q", etl.ErrSourceData, f, b.Name)
		}
	}

	failed := map[int]bool{}
	var issues []Issue
	for _, fv := range schema.Validators {
		if !slices.Contains(fields, fv.Field) {
			continue
		}
		for i, r := range b.Rows {
			v := r.Data[fv.Field]
			if reason := fv.Check(v); reason != "" {
				failed[i] = true
				issues = append(issues, Issue{Row: i, Field: fv.Field, Value: v, Reason: reason})
			}
		}
	}
	if len(failed) == 0 {
		return b.Clone(), nil, nil, nil
	}

	indices := make([]int, 0, len(failed))
	for i := range failed {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return b.Without(indices), indices, issues, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing value")
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) {
			return 0, fmt.Errorf("NaN")
		}
		return f, nil
	default:
		return toNumber(fmt.Sprint(v))
	}
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err == nil {
			return i, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, err
		}
	}
	f, err := toNumber(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not integral", v)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v overflows int64", v)
	}
	return int64(f), nil
}
