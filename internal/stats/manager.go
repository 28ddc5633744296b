// Package stats caches per-day metric records fetched from the stats upstream,
// fetching only the edges of a requested range that are not cached yet, and
// derives chart series and period aggregates from the cache.
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/addon-stats/internal/pkg/logger"
)

// Options configures a StatsCache.
type Options struct {
	Persister           Persister
	PersistDebounce     time.Duration
	PendingRetryDefault time.Duration
	MaxPendingRetries   int
	FetchTimeout        time.Duration
	Now                 func() time.Time
}

// StatsCache owns the range cache, fetcher, series builder and aggregate
// calculator of one process. Create it once and share it.
type StatsCache struct {
	cache   *RangeCache
	fetcher *RangeFetcher
	series  *SeriesBuilder
	agg     *AggregateCalculator
	now     func() time.Time
}

// New wires a StatsCache around an upstream source.
func New(source Source, opts Options) *StatsCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache := NewRangeCache(opts.Persister, opts.PersistDebounce)
	fetcher := NewRangeFetcher(cache, source, FetcherConfig{
		PendingRetryDefault: opts.PendingRetryDefault,
		MaxPendingRetries:   opts.MaxPendingRetries,
		FetchTimeout:        opts.FetchTimeout,
		Now:                 opts.Now,
	})
	return &StatsCache{
		cache:   cache,
		fetcher: fetcher,
		series:  NewSeriesBuilder(cache),
		agg:     NewAggregateCalculator(cache, fetcher),
		now:     opts.Now,
	}
}

// SeriesRequest asks for chart series of one metric. Range is a preset
// ("30 days") or custom ("2024-01-01:2024-01-31") descriptor; when empty,
// Start and End give the half-open interval directly.
type SeriesRequest struct {
	Metric string
	Fields []string
	Step   string
	Range  string
	Start  Day
	End    Day
}

// SeriesResult is a projected series and the range it covers.
type SeriesResult struct {
	Metric string `json:"metric"`
	Range  Range  `json:"range"`
	Step   string `json:"step"`
	Series Series `json:"series"`
}

// CacheInfo summarises the cache for diagnostics.
type CacheInfo struct {
	CacheStats
	Ceiling      Day   `json:"ceiling"`
	SeriesMemo   int   `json:"seriesMemo"`
	SeriesHits   int64 `json:"seriesHits"`
	SeriesMisses int64 `json:"seriesMisses"`
}

// Today is the current UTC day.
func (s *StatsCache) Today() Day {
	return DayOf(s.now())
}

// Load rehydrates the cache from the persister. It reports whether a
// snapshot with the current version was found.
func (s *StatsCache) Load(ctx context.Context) (bool, error) {
	ok, err := s.cache.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("loading stats cache: %w", err)
	}
	if ok {
		s.series.Reset()
	}
	return ok, nil
}

// Flush writes the snapshot now.
func (s *StatsCache) Flush(ctx context.Context) error {
	if err := s.cache.Flush(ctx); err != nil {
		return fmt.Errorf("flushing stats cache: %w", err)
	}
	return nil
}

// Close abandons running upstream fetches and cancels a pending debounced
// write. Call Flush first to keep it.
func (s *StatsCache) Close() {
	s.fetcher.Close()
	s.cache.Close()
}

// Reset drops all cached records and memoized series.
func (s *StatsCache) Reset() {
	s.cache.Reset()
	s.series.Reset()
}

// Stats returns cache diagnostics.
func (s *StatsCache) Stats() CacheInfo {
	entries, hits, misses := s.series.MemoStats()
	return CacheInfo{
		CacheStats:   s.cache.Stats(),
		Ceiling:      s.fetcher.Ceiling(),
		SeriesMemo:   entries,
		SeriesHits:   hits,
		SeriesMisses: misses,
	}
}

// EnsureRange makes [start, end] available in the cache.
func (s *StatsCache) EnsureRange(ctx context.Context, metric string, start, end Day) error {
	return s.fetcher.EnsureRange(ctx, metric, start, end)
}

// GetDataRange returns the cached records in [start, end] after ensuring them.
func (s *StatsCache) GetDataRange(ctx context.Context, metric string, start, end Day) (map[Day]Record, error) {
	if err := s.fetcher.EnsureRange(ctx, metric, start, end); err != nil {
		return nil, err
	}
	return s.cache.Records(metric, start, end), nil
}

// GetSeries resolves the request range, ensures it and projects the fields.
func (s *StatsCache) GetSeries(ctx context.Context, req SeriesRequest) (*SeriesResult, error) {
	if req.Metric == "" || len(req.Fields) == 0 {
		return nil, fmt.Errorf("series needs a metric and at least one field: %w", ErrInvalidRange)
	}
	step, err := ParseStep(req.Step)
	if err != nil {
		return nil, err
	}

	var rng Range
	if req.Range != "" {
		rng, err = ParseRange(req.Range, s.Today())
		if err != nil {
			return nil, err
		}
	} else {
		if req.End <= req.Start {
			return nil, fmt.Errorf("series %s..%s: %w", req.Start, req.End, ErrInvalidRange)
		}
		rng = ExplicitRange(req.Start, req.End)
	}

	if err := s.fetcher.EnsureRange(ctx, req.Metric, rng.Start, rng.End.AddDays(-1)); err != nil {
		return nil, err
	}

	key := strings.Join([]string{
		req.Metric,
		rng.Descriptor,
		rng.Start.String(),
		strings.Join(req.Fields, ","),
		step.String(),
	}, "|")
	series := s.series.ProjectKeyed(key, req.Metric, rng.Start, rng.End, req.Fields, step)

	return &SeriesResult{
		Metric: req.Metric,
		Range:  rng,
		Step:   step.String(),
		Series: series,
	}, nil
}

// GetSum sums field over [start, end).
func (s *StatsCache) GetSum(ctx context.Context, metric, field string, start, end Day) (Aggregate, error) {
	return s.agg.Sum(ctx, metric, field, start, end)
}

// GetMean averages field over [start, end).
func (s *StatsCache) GetMean(ctx context.Context, metric, field string, start, end Day) (Aggregate, error) {
	return s.agg.Mean(ctx, metric, field, start, end)
}

// GetCompare compares three consecutive windows of days ending at end.
func (s *StatsCache) GetCompare(ctx context.Context, metric, field string, end Day, days int) (*Comparison, error) {
	return s.agg.Compare(ctx, metric, field, end, days)
}

// WarmResult reports the outcome of warming one metric.
type WarmResult struct {
	Metric   string
	Start    Day
	End      Day
	Duration time.Duration
	Err      error
}

// Warm ensures the last days days (ending yesterday) of every metric, at
// most parallel at a time. done is called once per metric as it finishes and
// may be nil; it can run concurrently. The first error is returned after all metrics were tried.
func (s *StatsCache) Warm(ctx context.Context, metrics []string, days, parallel int, done func(WarmResult)) error {
	if days <= 0 {
		return fmt.Errorf("warm needs a positive day count: %w", ErrInvalidRange)
	}
	if parallel <= 0 {
		parallel = 4
	}
	end := s.Today().AddDays(-1)
	start := end.AddDays(-(days - 1))

	var g errgroup.Group
	g.SetLimit(parallel)
	for _, metric := range metrics {
		g.Go(func() error {
			began := time.Now()
			err := s.fetcher.EnsureRange(ctx, metric, start, end)
			res := WarmResult{Metric: metric, Start: start, End: end, Duration: time.Since(began), Err: err}
			if err != nil {
				logger.Warn("stats warm failed", "metric", metric, "error", err)
			} else {
				logger.Info("stats warmed", "metric", metric, "from", start, "to", end, "took", res.Duration)
			}
			if done != nil {
				done(res)
			}
			return err
		})
	}
	return g.Wait()
}
