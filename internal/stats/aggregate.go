package stats

import (
	"context"
	"encoding/json"
	"fmt"
)

// Aggregate is a sum or mean. NoData distinguishes "no day had a value"
// from a real zero.
type Aggregate struct {
	Value  float64
	NoData bool
}

// MarshalJSON emits a bare number, or {"nodata":true}.
func (a Aggregate) MarshalJSON() ([]byte, error) {
	if a.NoData {
		return []byte(`{"nodata":true}`), nil
	}
	return json.Marshal(a.Value)
}

// Delta is a percent change between two aggregates.
type Delta struct {
	Percent float64 `json:"percent"`
	Valid   bool    `json:"valid"`
}

// Comparison covers three consecutive equal-length windows ending at End.
type Comparison struct {
	Field            string    `json:"field"`
	Days             int       `json:"days"`
	End              Day       `json:"end"`
	Current          Aggregate `json:"current"`
	Previous         Aggregate `json:"previous"`
	PreviousPrevious Aggregate `json:"previousPrevious"`
	Change           Delta     `json:"change"`
	PreviousChange   Delta     `json:"previousChange"`
}

// PercentChange compares cur against base. It is invalid when either side
// has no data or the base is zero.
func PercentChange(cur, base Aggregate) Delta {
	if cur.NoData || base.NoData || base.Value == 0 {
		return Delta{}
	}
	return Delta{Percent: (cur.Value - base.Value) / base.Value * 100, Valid: true}
}

// AggregateCalculator computes sums and means of a field over cached days.
type AggregateCalculator struct {
	cache   *RangeCache
	fetcher *RangeFetcher
}

// NewAggregateCalculator creates a calculator that ensures ranges via fetcher.
func NewAggregateCalculator(cache *RangeCache, fetcher *RangeFetcher) *AggregateCalculator {
	return &AggregateCalculator{cache: cache, fetcher: fetcher}
}

// Sum adds the field over every day in [start, end).
func (a *AggregateCalculator) Sum(ctx context.Context, metric, field string, start, end Day) (Aggregate, error) {
	if end < start {
		return Aggregate{}, fmt.Errorf("sum of %s %s..%s: %w", field, start, end, ErrInvalidRange)
	}
	if end > start {
		if err := a.fetcher.EnsureRange(ctx, metric, start, end.AddDays(-1)); err != nil {
			return Aggregate{}, err
		}
	}
	return a.sumCached(metric, field, start, end), nil
}

// Mean is Sum divided by the number of days in [start, end). NoData is
// propagated without dividing.
func (a *AggregateCalculator) Mean(ctx context.Context, metric, field string, start, end Day) (Aggregate, error) {
	sum, err := a.Sum(ctx, metric, field, start, end)
	if err != nil {
		return Aggregate{}, err
	}
	return mean(sum, DaysBetween(start, end)), nil
}

// Compare sums the field over the windows [end-days, end),
// [end-2*days, end-days) and [end-3*days, end-2*days).
func (a *AggregateCalculator) Compare(ctx context.Context, metric, field string, end Day, days int) (*Comparison, error) {
	if days <= 0 {
		return nil, fmt.Errorf("compare over %d days: %w", days, ErrInvalidRange)
	}
	first := end.AddDays(-3 * days)
	if err := a.fetcher.EnsureRange(ctx, metric, first, end.AddDays(-1)); err != nil {
		return nil, err
	}

	cmp := &Comparison{
		Field:            field,
		Days:             days,
		End:              end,
		Current:          a.sumCached(metric, field, end.AddDays(-days), end),
		Previous:         a.sumCached(metric, field, end.AddDays(-2*days), end.AddDays(-days)),
		PreviousPrevious: a.sumCached(metric, field, first, end.AddDays(-2*days)),
	}
	cmp.Change = PercentChange(cmp.Current, cmp.Previous)
	cmp.PreviousChange = PercentChange(cmp.Previous, cmp.PreviousPrevious)
	return cmp, nil
}

func (a *AggregateCalculator) sumCached(metric, field string, start, end Day) Aggregate {
	var total float64
	seen := false
	for d := start; d < end; d = d.AddDays(1) {
		rec, ok := a.cache.Record(metric, d)
		if !ok {
			continue
		}
		if v, ok := Number(rec, field); ok {
			total += v
			seen = true
		}
	}
	if !seen {
		return Aggregate{NoData: true}
	}
	return Aggregate{Value: total}
}

func mean(sum Aggregate, days int) Aggregate {
	if sum.NoData || days <= 0 {
		return Aggregate{NoData: true}
	}
	return Aggregate{Value: sum.Value / float64(days)}
}
