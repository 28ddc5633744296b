package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ignite/addon-stats/internal/pkg/logger"
)

// FetchStatus is the terminal state of one upstream day-range request.
type FetchStatus int

const (
	// FetchComplete means the upstream answered 200 with the records.
	FetchComplete FetchStatus = iota
	// FetchPending means the upstream answered 202; try again after RetryAfter.
	FetchPending
)

// FetchResult is what a Source returns for one day range.
type FetchResult struct {
	Status  FetchStatus
	Records []Record
	// RetryAfter is the server hint for pending results. Zero means no hint.
	RetryAfter time.Duration
}

// Source fetches the daily records of a metric for [start, end], both ends included.
type Source interface {
	FetchDays(ctx context.Context, metric string, start, end Day) (*FetchResult, error)
}

// FetcherConfig tunes the pending-data protocol.
type FetcherConfig struct {
	// PendingRetryDefault is the wait used when a 202 carries no Retry-After.
	PendingRetryDefault time.Duration
	// MaxPendingRetries bounds consecutive 202 replies per gap. 0 means no bound.
	MaxPendingRetries int
	// FetchTimeout bounds one shared gap fetch including its 202 waits.
	// Callers stop waiting when their own context ends; the fetch itself
	// keeps running for the others until this timeout. Defaults to 10m.
	FetchTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// RangeFetcher guarantees that a metric's cache covers a requested range,
// fetching only the missing edges.
type RangeFetcher struct {
	cache  *RangeCache
	source Source
	cfg    FetcherConfig

	// after is swapped in tests to observe Retry-After waits.
	after func(time.Duration) <-chan time.Time

	mu         sync.Mutex
	ceiling    Day
	ceilingSet bool
	ceilingDay Day // day on which the ceiling was narrowed

	inflight singleflight.Group

	// base parents the shared fetches; Close cancels it.
	base context.Context
	stop context.CancelFunc
}

// NewRangeFetcher creates a fetcher that merges into cache.
func NewRangeFetcher(cache *RangeCache, source Source, cfg FetcherConfig) *RangeFetcher {
	if cfg.PendingRetryDefault <= 0 {
		cfg.PendingRetryDefault = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, stop := context.WithCancel(context.Background())
	return &RangeFetcher{
		cache:  cache,
		source: source,
		cfg:    cfg,
		after:  time.After,
		base:   base,
		stop:   stop,
	}
}

// Close abandons shared fetches that are still running.
func (f *RangeFetcher) Close() {
	f.stop()
}

// Today is the current UTC day according to the fetcher's clock.
func (f *RangeFetcher) Today() Day {
	return DayOf(f.cfg.Now())
}

// Ceiling is the last day the upstream is expected to have data for. It
// starts at today and is narrowed when the upstream returns less than asked.
// A narrowed ceiling is forgotten when the day rolls over.
func (f *RangeFetcher) Ceiling() Day {
	today := f.Today()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ceilingSet && f.ceilingDay != today {
		f.ceilingSet = false
	}
	if f.ceilingSet && f.ceiling < today {
		return f.ceiling
	}
	return today
}

func (f *RangeFetcher) narrowCeiling(last Day) {
	today := f.Today()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ceilingSet && f.ceilingDay == today && f.ceiling <= last {
		return
	}
	f.ceiling = last
	f.ceilingSet = true
	f.ceilingDay = today
	logger.Info("upstream data ends early, narrowing fetch ceiling", "ceiling", last)
}

// EnsureRange fetches whatever part of [start, end] is not cached yet. Gap
// requests run concurrently; the call returns once all of them reached a
// terminal state. On error the cache keeps whatever gaps did complete.
func (f *RangeFetcher) EnsureRange(ctx context.Context, metric string, start, end Day) error {
	if metric == "" || end < start {
		return fmt.Errorf("ensuring %q %s..%s: %w", metric, start, end, ErrInvalidRange)
	}

	ceiling := f.Ceiling()
	if end > ceiling {
		end = ceiling
	}
	if start > end {
		return nil
	}

	gaps, tailIdx := f.cache.missing(metric, start, end)
	if len(gaps) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, gap := range gaps {
		edge := gapHead
		if i == tailIdx {
			edge = gapTail
			if gap.End == ceiling {
				edge = gapCeiling
			}
		}
		g.Go(func() error {
			return f.fetchGap(gctx, metric, gap, edge)
		})
	}
	return g.Wait()
}

// gapEdge says where a gap sits relative to the cached bounds.
type gapEdge int

const (
	// gapHead ends on the cached MinDate.
	gapHead gapEdge = iota
	// gapTail runs past the cached MaxDate.
	gapTail
	// gapCeiling is a tail gap that ends on the fetch ceiling.
	gapCeiling
)

// fetchGap coalesces identical concurrent gap requests. The shared fetch is
// detached from any one caller so a caller that gives up does not fail the
// others; each caller still returns as soon as its own ctx is done.
func (f *RangeFetcher) fetchGap(ctx context.Context, metric string, gap Gap, edge gapEdge) error {
	key := fmt.Sprintf("%s|%d|%d", metric, gap.Start, gap.End)
	ch := f.inflight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(f.base, f.cfg.FetchTimeout)
		defer cancel()
		return nil, f.fetchUntilComplete(fctx, metric, gap, edge)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Shared {
			logger.Debug("joined in-flight stats fetch", "metric", metric, "from", gap.Start, "to", gap.End)
		}
		return res.Err
	}
}

func (f *RangeFetcher) fetchUntilComplete(ctx context.Context, metric string, gap Gap, edge gapEdge) error {
	for attempt := 1; ; attempt++ {
		res, err := f.source.FetchDays(ctx, metric, gap.Start, gap.End)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("stats fetch failed",
					"metric", metric,
					"from", gap.Start,
					"to", gap.End,
					"error", err)
			}
			return fmt.Errorf("fetching %s %s..%s: %w", metric, gap.Start, gap.End, err)
		}

		if res.Status == FetchComplete {
			f.mergeResult(metric, gap, edge, res.Records)
			return nil
		}

		if f.cfg.MaxPendingRetries > 0 && attempt >= f.cfg.MaxPendingRetries {
			return fmt.Errorf("fetching %s %s..%s after %d attempts: %w",
				metric, gap.Start, gap.End, attempt, ErrStillPending)
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = f.cfg.PendingRetryDefault
		}
		logger.Info("stats still computing upstream, retrying later",
			"metric", metric,
			"from", gap.Start,
			"to", gap.End,
			"retry_after", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.after(wait):
		}
	}
}

// mergeResult merges a completed gap. When a tail gap comes back short the
// store bound stops at the last returned day so the rest is asked for again.
// The shared ceiling is only narrowed when that gap ended on the ceiling.
func (f *RangeFetcher) mergeResult(metric string, gap Gap, edge gapEdge, records []Record) {
	fetchedEnd := gap.End
	if edge != gapHead && len(records) > 0 {
		last, ok := latestDay(records)
		if ok && last < gap.End {
			fetchedEnd = max(last, gap.Start)
			if edge == gapCeiling {
				f.narrowCeiling(fetchedEnd)
			}
		}
	}
	f.cache.Merge(metric, records, gap.Start, fetchedEnd)
}

func latestDay(records []Record) (Day, bool) {
	var last Day
	found := false
	for _, rec := range records {
		d, ok := rec.Date()
		if !ok {
			continue
		}
		if !found || d > last {
			last = d
			found = true
		}
	}
	return last, found
}
