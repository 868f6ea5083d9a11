package mapping

import (
	"strconv"
	"strings"

	"tabflow/internal/etl"
)

// Coerce returns a copy of b with string values converted to their declared
// source type. Conversion is lenient: a value that does not convert keeps its
// original form so the validation stage can report it. Timestamps are left
// to ConvertTimestamps.
func Coerce(b *etl.Batch, types map[string]string) *etl.Batch {
	out := b.Clone()
	if len(types) == 0 {
		return out
	}
	for _, r := range out.Rows {
		for field, typ := range types {
			v, ok := r.Data[field]
			if !ok || v == nil {
				continue
			}
			r.Data[field] = coerceValue(v, typ)
		}
	}
	return out
}

func coerceValue(v any, typ string) any {
	s, isString := v.(string)
	switch typ {
	case TypeInt:
		if i, err := toInt(v); err == nil {
			return i
		}
	case TypeFloat:
		if f, err := toNumber(v); err == nil {
			return f
		}
	case "bool":
		if isString {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "t", "yes", "y", "1":
				return true
			case "false", "f", "no", "n", "0":
				return false
			}
		}
	case TypeString:
		if !isString {
			return stringify(v)
		}
	}
	return v
}

func stringify(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return toString(v)
}
