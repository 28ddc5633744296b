package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/addon-stats/internal/pkg/logger"
)

// MetricStore holds the cached days of one metric. Every day in
// [MinDate, MaxDate] either has a record or is known to have no upstream data.
type MetricStore struct {
	Records map[Day]Record `json:"records"`
	MinDate Day            `json:"minDate"`
	MaxDate Day            `json:"maxDate"`
}

// Gap is a day range that must be fetched, both ends included.
type Gap struct {
	Start Day `json:"start"`
	End   Day `json:"end"`
}

// Persister stores and loads the versioned cache snapshot. Load reports
// false when nothing usable is stored (absent or stale schema version).
type Persister interface {
	Load(ctx context.Context, dst any) (bool, error)
	Save(ctx context.Context, src any) error
}

// CacheStats is a point-in-time summary of the range cache.
type CacheStats struct {
	Metrics int               `json:"metrics"`
	Records int               `json:"records"`
	Merges  int64             `json:"merges"`
	Bounds  map[string][2]Day `json:"bounds"`
}

// RangeCache holds fetched records per metric and answers which boundary
// ranges are still missing for a request.
type RangeCache struct {
	mu     sync.RWMutex
	stores map[string]*MetricStore
	merges int64

	persister Persister
	debounce  time.Duration
	timerMu   sync.Mutex
	timer     *time.Timer
}

// NewRangeCache creates an empty cache. A nil persister disables snapshot writes.
func NewRangeCache(persister Persister, debounce time.Duration) *RangeCache {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &RangeCache{
		stores:    make(map[string]*MetricStore),
		persister: persister,
		debounce:  debounce,
	}
}

// Missing returns the gaps between [start, end] and the cached bounds.
// Only the two edges are considered; holes inside the bounds are not detected.
func (c *RangeCache) Missing(metric string, start, end Day) []Gap {
	gaps, _ := c.missing(metric, start, end)
	return gaps
}

// missing also reports the index of the gap that extends past the cached
// MaxDate, or -1. A metric without a store has a single tail gap.
func (c *RangeCache) missing(metric string, start, end Day) ([]Gap, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ds, ok := c.stores[metric]
	if !ok {
		return []Gap{{Start: start, End: end}}, 0
	}

	var gaps []Gap
	tail := -1
	if start < ds.MinDate {
		gaps = append(gaps, Gap{Start: start, End: ds.MinDate})
	}
	if end > ds.MaxDate {
		tail = len(gaps)
		gaps = append(gaps, Gap{Start: ds.MaxDate, End: end})
	}
	return gaps, tail
}

// Merge inserts records keyed by their date and widens the known bounds to
// cover [fetchedStart, fetchedEnd]. Re-merging a covered range is a no-op for
// the bounds; duplicate days are overwritten (last write wins).
func (c *RangeCache) Merge(metric string, records []Record, fetchedStart, fetchedEnd Day) int {
	c.mu.Lock()
	ds, ok := c.stores[metric]
	if !ok {
		ds = &MetricStore{
			Records: make(map[Day]Record),
			MinDate: fetchedStart,
			MaxDate: fetchedEnd,
		}
		c.stores[metric] = ds
	}

	inserted := 0
	for _, rec := range records {
		day, ok := rec.Date()
		if !ok {
			logger.Warn("skipping record without a valid date", "metric", metric, "date", rec["date"])
			continue
		}
		ds.Records[day] = rec
		inserted++
	}
	ds.MinDate = min(ds.MinDate, fetchedStart)
	ds.MaxDate = max(ds.MaxDate, fetchedEnd)
	c.merges++
	c.mu.Unlock()

	logger.Debug("merged stats range",
		"metric", metric,
		"from", fetchedStart,
		"to", fetchedEnd,
		"records", inserted)

	c.schedulePersist()
	return inserted
}

// Record returns the cached record for a day.
func (c *RangeCache) Record(metric string, day Day) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ds, ok := c.stores[metric]
	if !ok {
		return nil, false
	}
	rec, ok := ds.Records[day]
	return rec, ok
}

// Records returns the cached records with dates in [start, end].
func (c *RangeCache) Records(metric string, start, end Day) map[Day]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Day]Record)
	ds, ok := c.stores[metric]
	if !ok {
		return out
	}
	for day, rec := range ds.Records {
		if day >= start && day <= end {
			out[day] = rec
		}
	}
	return out
}

// Bounds returns the known-complete interval for a metric.
func (c *RangeCache) Bounds(metric string) (Day, Day, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ds, ok := c.stores[metric]
	if !ok {
		return 0, 0, false
	}
	return ds.MinDate, ds.MaxDate, true
}

// Metrics lists cached metric names in sorted order.
func (c *RangeCache) Metrics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns cache counters.
func (c *RangeCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := CacheStats{
		Metrics: len(c.stores),
		Merges:  c.merges,
		Bounds:  make(map[string][2]Day, len(c.stores)),
	}
	for name, ds := range c.stores {
		st.Records += len(ds.Records)
		st.Bounds[name] = [2]Day{ds.MinDate, ds.MaxDate}
	}
	return st
}

// Snapshot copies the stores for serialization. Records are shared; they
// are never mutated after merge.
func (c *RangeCache) Snapshot() map[string]*MetricStore {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*MetricStore, len(c.stores))
	for name, ds := range c.stores {
		recs := make(map[Day]Record, len(ds.Records))
		for day, rec := range ds.Records {
			recs[day] = rec
		}
		out[name] = &MetricStore{Records: recs, MinDate: ds.MinDate, MaxDate: ds.MaxDate}
	}
	return out
}

// Restore replaces the cache contents with a snapshot.
func (c *RangeCache) Restore(stores map[string]*MetricStore) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stores = make(map[string]*MetricStore, len(stores))
	for name, ds := range stores {
		if ds == nil {
			continue
		}
		if ds.Records == nil {
			ds.Records = make(map[Day]Record)
		}
		c.stores[name] = ds
	}
}

// Reset drops every cached metric.
func (c *RangeCache) Reset() {
	c.mu.Lock()
	c.stores = make(map[string]*MetricStore)
	c.mu.Unlock()
}

// Load rehydrates the cache from the persister. It reports whether a
// snapshot was applied.
func (c *RangeCache) Load(ctx context.Context) (bool, error) {
	if c.persister == nil {
		return false, nil
	}
	var stores map[string]*MetricStore
	found, err := c.persister.Load(ctx, &stores)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	c.Restore(stores)
	logger.Info("stats cache restored", "metrics", len(stores))
	return true, nil
}

// Flush writes the snapshot immediately and cancels any pending debounced write.
func (c *RangeCache) Flush(ctx context.Context) error {
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerMu.Unlock()

	if c.persister == nil {
		return nil
	}
	return c.persister.Save(ctx, c.Snapshot())
}

// Close stops a pending debounced write without saving.
func (c *RangeCache) Close() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// schedulePersist restarts the debounce timer so rapid successive merges
// produce a single write.
func (c *RangeCache) schedulePersist() {
	if c.persister == nil {
		return
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.debounce, func() {
		c.timerMu.Lock()
		if c.timer == t {
			c.timer = nil
		}
		c.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.persister.Save(ctx, c.Snapshot()); err != nil {
			logger.Error("persisting stats cache failed", "error", err)
		}
	})
	c.timer = t
}
