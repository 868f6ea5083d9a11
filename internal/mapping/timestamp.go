package mapping

import (
	"fmt"
	"strings"
	"time"

	"tabflow/internal/etl"
)

// TwoDigitYearPivot bounds how far into the future a two-digit year may land
// before it is moved back a century.
var TwoDigitYearPivot = 20

var (
	zonedLayouts = []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05 -0700", "2006-01-02T15:04:05-0700",
	}
	localLayouts = []string{
		"2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05",
		"2006-01-02T15:04:05.999999999", "2006-01-02 15:04", "2006/01/02 15:04:05",
		"01/02/2006 15:04:05", "1/2/2006 15:04",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"2006-01-02", "2006/01/02", "2006.01.02",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
)

// ParseTimestamp parses s, reading values without an explicit offset in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	pivot := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// LoadLocations resolves a field → IANA zone name table.
func LoadLocations(zones map[string]string) (map[string]*time.Location, error) {
	out := make(map[string]*time.Location, len(zones))
	for field, name := range zones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone for %s: %w", etl.ErrConfiguration, field, err)
		}
		out[field] = loc
	}
	return out, nil
}

// ConvertTimestamps parses the given fields of b in place into time.Time,
// using the per-field location from zones and UTC otherwise. Missing values
// stay nil; an unparseable value fails with ErrSourceData.
func ConvertTimestamps(b *etl.Batch, fields []string, zones map[string]*time.Location) error {
	for _, field := range fields {
		if !b.HasColumn(field) {
			continue
		}
		loc := zones[field]
		if loc == nil {
			loc = time.UTC
		}
		for i, r := range b.Rows {
			switch v := r.Data[field].(type) {
			case nil:
			case time.Time:
				r.Data[field] = v.In(loc)
			default:
				t, err := ParseTimestamp(toString(v), loc)
				if err != nil {
					return fmt.Errorf("%w: row %d field %s: %w", etl.ErrSourceData, i, field, err)
				}
				r.Data[field] = t
			}
		}
	}
	return nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
