package stats

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Record is one day of upstream data: {"date": "YYYY-MM-DD", ...fields}.
type Record map[string]any

// FieldSeparator splits nested field paths, e.g. "apps|firefox|count".
// Dots are not separators because version keys ("3.6.1") contain them.
const FieldSeparator = "|"

// Date returns the parsed "date" field.
func (r Record) Date() (Day, bool) {
	s, ok := r["date"].(string)
	if !ok {
		return 0, false
	}
	d, err := ParseDay(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Field walks a pipe-delimited path into a record and returns the raw value.
func Field(r Record, path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, key := range strings.Split(path, FieldSeparator) {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Number extracts a numeric field. Missing fields, nulls, and values that do
// not parse as a finite number report false.
func Number(r Record, path string) (float64, bool) {
	v, ok := Field(r, path)
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}
