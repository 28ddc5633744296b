package stats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		in   string
		want Step
	}{
		{"1 day", StepDay},
		{"day", StepDay},
		{"", StepDay},
		{"7 days", StepWeek},
		{"Week", StepWeek},
		{"30  days", StepMonth},
		{"month", StepMonth},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStep(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStep("fortnight")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestProjectNullGaps(t *testing.T) {
	day0 := mustDay("2026-04-01")
	c := NewRangeCache(nil, 0)
	c.Merge("downloads", []Record{
		{"date": "2026-04-01", "count": 5.0},
		{"date": "2026-04-03", "count": "12"},
		{"date": "2026-04-04", "count": "n/a"},
	}, day0, day0.AddDays(4))

	got := NewSeriesBuilder(c).Project("downloads", day0, day0.AddDays(5), []string{"count"}, StepDay)
	points := got["count"]
	require.Len(t, points, 5)

	require.NotNil(t, points[0].Y)
	assert.Equal(t, 5.0, *points[0].Y)
	assert.Nil(t, points[1].Y)
	require.NotNil(t, points[2].Y)
	assert.Equal(t, 12.0, *points[2].Y)
	assert.Nil(t, points[3].Y)
	assert.Nil(t, points[4].Y)
	for i, p := range points {
		assert.Equal(t, day0.AddDays(i), p.X)
	}

	b, err := json.Marshal(points[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":`+jsonInt(day0.AddDays(1))+`,"y":null}`, string(b))
}

func TestProjectFixedWidthSteps(t *testing.T) {
	day0 := mustDay("2026-01-01")
	b := NewSeriesBuilder(NewRangeCache(nil, 0))

	weeks := b.Project("downloads", day0, day0.AddDays(30), []string{"count"}, StepWeek)["count"]
	require.Len(t, weeks, 5)
	assert.Equal(t, day0.AddDays(28), weeks[4].X)

	months := b.Project("downloads", day0, day0.AddDays(90), []string{"count"}, StepMonth)["count"]
	require.Len(t, months, 3)
	assert.Equal(t, day0.AddDays(60), months[2].X)
}

func TestProjectNestedFields(t *testing.T) {
	day0 := mustDay("2026-04-01")
	c := NewRangeCache(nil, 0)
	c.Merge("usage", []Record{{
		"date": "2026-04-01",
		"apps": map[string]any{"firefox": map[string]any{"3.6.1": 40.0}},
	}}, day0, day0)

	got := NewSeriesBuilder(c).Project("usage", day0, day0.AddDays(1),
		[]string{"apps|firefox|3.6.1", "apps|seamonkey"}, StepDay)

	require.NotNil(t, got["apps|firefox|3.6.1"][0].Y)
	assert.Equal(t, 40.0, *got["apps|firefox|3.6.1"][0].Y)
	assert.Nil(t, got["apps|seamonkey"][0].Y)
}

func TestProjectMemoIsStale(t *testing.T) {
	day0 := mustDay("2026-04-01")
	c := NewRangeCache(nil, 0)
	b := NewSeriesBuilder(c)

	first := b.Project("downloads", day0, day0.AddDays(1), []string{"count"}, StepDay)
	assert.Nil(t, first["count"][0].Y)

	c.Merge("downloads", []Record{{"date": "2026-04-01", "count": 9.0}}, day0, day0)
	again := b.Project("downloads", day0, day0.AddDays(1), []string{"count"}, StepDay)
	assert.Nil(t, again["count"][0].Y)

	entries, hits, misses := b.MemoStats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	b.Reset()
	fresh := b.Project("downloads", day0, day0.AddDays(1), []string{"count"}, StepDay)
	require.NotNil(t, fresh["count"][0].Y)
	assert.Equal(t, 9.0, *fresh["count"][0].Y)
}

func TestDownloadsScenario(t *testing.T) {
	day0 := mustDay("2026-05-01")
	counts := []any{5.0, 0.0, nil, 8.0, 3.0, 1.0, 2.0, nil, 6.0, 4.0, 7.0}

	src := newFakeSource()
	for i, v := range counts {
		src.put("downloads", day0.AddDays(i), map[string]any{"count": v})
	}
	sc := New(src, Options{Now: fixedClock("2026-06-01")})

	require.NoError(t, sc.EnsureRange(context.Background(), "downloads", day0, day0.AddDays(10)))
	assert.Equal(t, 1, src.callCount())

	points := sc.series.Project("downloads", day0, day0.AddDays(10), []string{"count"}, StepDay)["count"]
	require.Len(t, points, 10)
	for i, p := range points {
		assert.Equal(t, day0.AddDays(i), p.X)
		if counts[i] == nil {
			assert.Nil(t, p.Y, "day %d", i)
			continue
		}
		require.NotNil(t, p.Y, "day %d", i)
		assert.Equal(t, counts[i], *p.Y, "day %d", i)
	}
}

func jsonInt(d Day) string {
	b, _ := json.Marshal(int64(d))
	return string(b)
}
