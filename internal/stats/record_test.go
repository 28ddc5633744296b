package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	rec := Record{
		"date":    "2026-01-01",
		"f":       2.5,
		"i":       3,
		"i64":     int64(4),
		"jn":      json.Number("6.25"),
		"s":       " 12 ",
		"bad":     "twelve",
		"null":    nil,
		"nan":     math.NaN(),
		"bool":    true,
		"nested":  map[string]any{"deep": map[string]any{"v": "1.5"}},
		"version": map[string]any{"3.6.1": 8.0},
	}

	tests := []struct {
		path string
		want float64
		ok   bool
	}{
		{"f", 2.5, true},
		{"i", 3, true},
		{"i64", 4, true},
		{"jn", 6.25, true},
		{"s", 12, true},
		{"nested|deep|v", 1.5, true},
		{"version|3.6.1", 8, true},
		{"bad", 0, false},
		{"null", 0, false},
		{"nan", 0, false},
		{"bool", 0, false},
		{"missing", 0, false},
		{"nested|missing|v", 0, false},
		{"f|sub", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Number(rec, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldAndDate(t *testing.T) {
	rec := Record{"date": "2026-01-02", "a": map[string]any{"b": "x"}}

	v, ok := Field(rec, "a|b")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Field(rec, "")
	assert.False(t, ok)
	_, ok = Field(nil, "a")
	assert.False(t, ok)

	d, ok := rec.Date()
	assert.True(t, ok)
	assert.Equal(t, mustDay("2026-01-02"), d)

	_, ok = Record{"date": 20260102}.Date()
	assert.False(t, ok)
}
