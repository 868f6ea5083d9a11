package sources

import (
	"fmt"
	"strconv"
	"time"
)

// cellTimeLayout renders time values read from databases.
const cellTimeLayout = "2006-01-02 15:04:05.999999999"

// cellString renders a scanned or decoded value as the string form batches
// carry before coercion. nil and empty strings stay nil.
func cellString(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return x
	case []byte:
		if len(x) == 0 {
			return nil
		}
		return string(x)
	case fmt.Stringer:
		if t, ok := v.(time.Time); ok {
			return t.Format(cellTimeLayout)
		}
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
