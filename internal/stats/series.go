package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Step is a fixed-width bucket size in days. Weeks and months are not
// calendar aware.
type Step int

const (
	StepDay   Step = 1
	StepWeek  Step = 7
	StepMonth Step = 30
)

// ParseStep accepts "day", "1 day", "week", "7 days", "month" and "30 days".
func ParseStep(s string) (Step, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "", "day", "1 day", "1day", "daily":
		return StepDay, nil
	case "week", "1 week", "7 days", "7days", "weekly":
		return StepWeek, nil
	case "month", "1 month", "30 days", "30days", "monthly":
		return StepMonth, nil
	}
	return 0, fmt.Errorf("step %q: %w", s, ErrUnknownStep)
}

func (s Step) String() string {
	switch s {
	case StepDay:
		return "1 day"
	case StepWeek:
		return "7 days"
	case StepMonth:
		return "30 days"
	}
	return fmt.Sprintf("%d days", int(s))
}

// Point is one chart sample. A nil Y is a gap and serialises as null.
type Point struct {
	X Day      `json:"x"`
	Y *float64 `json:"y"`
}

// Series maps a field path to its points in ascending X order.
type Series map[string][]Point

// SeriesBuilder projects cached records into per-field point arrays.
// Projections are memoized and deliberately not invalidated when new data
// is merged; only Reset clears them.
type SeriesBuilder struct {
	cache *RangeCache

	mu   sync.RWMutex
	memo map[string]Series

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSeriesBuilder creates a builder reading from cache.
func NewSeriesBuilder(cache *RangeCache) *SeriesBuilder {
	return &SeriesBuilder{
		cache: cache,
		memo:  make(map[string]Series),
	}
}

// Project walks [start, end) in step increments and looks up each field of
// the record at every step. The caller is expected to have ensured the range.
func (b *SeriesBuilder) Project(metric string, start, end Day, fields []string, step Step) Series {
	return b.ProjectKeyed(seriesKey(metric, start, end, fields, step), metric, start, end, fields, step)
}

// ProjectKeyed is Project with an explicit memo key, used when the caller
// addresses series by a range descriptor such as "30 days".
func (b *SeriesBuilder) ProjectKeyed(key, metric string, start, end Day, fields []string, step Step) Series {
	b.mu.RLock()
	cached, ok := b.memo[key]
	b.mu.RUnlock()
	if ok {
		b.hits.Add(1)
		return cached
	}
	b.misses.Add(1)

	if step <= 0 {
		step = StepDay
	}

	out := make(Series, len(fields))
	for _, f := range fields {
		out[f] = []Point{}
	}
	for x := start; x < end; x = x.AddDays(int(step)) {
		rec, found := b.cache.Record(metric, x)
		for _, f := range fields {
			p := Point{X: x}
			if found {
				if v, ok := Number(rec, f); ok {
					p.Y = &v
				}
			}
			out[f] = append(out[f], p)
		}
	}

	b.mu.Lock()
	b.memo[key] = out
	b.mu.Unlock()
	return out
}

// Reset drops every memoized projection.
func (b *SeriesBuilder) Reset() {
	b.mu.Lock()
	b.memo = make(map[string]Series)
	b.mu.Unlock()
}

// MemoStats reports memo size, hits and misses.
func (b *SeriesBuilder) MemoStats() (entries int, hits, misses int64) {
	b.mu.RLock()
	entries = len(b.memo)
	b.mu.RUnlock()
	return entries, b.hits.Load(), b.misses.Load()
}

func seriesKey(metric string, start, end Day, fields []string, step Step) string {
	return fmt.Sprintf("%s|%s:%s|%s|%d", metric, start, end, strings.Join(fields, ","), int(step))
}
