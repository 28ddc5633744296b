package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/addon-stats/internal/pkg/httputil"
	"github.com/ignite/addon-stats/internal/pkg/logger"
	"github.com/ignite/addon-stats/internal/stats"
)

// StatsService is the part of stats.StatsCache the handlers use.
type StatsService interface {
	Today() stats.Day
	Stats() stats.CacheInfo
	Reset()
	GetDataRange(ctx context.Context, metric string, start, end stats.Day) (map[stats.Day]stats.Record, error)
	GetSeries(ctx context.Context, req stats.SeriesRequest) (*stats.SeriesResult, error)
	GetSum(ctx context.Context, metric, field string, start, end stats.Day) (stats.Aggregate, error)
	GetMean(ctx context.Context, metric, field string, start, end stats.Day) (stats.Aggregate, error)
	GetCompare(ctx context.Context, metric, field string, end stats.Day, days int) (*stats.Comparison, error)
}

// Handlers contains HTTP handlers for the stats API
type Handlers struct {
	stats     StatsService
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc StatsService) *Handlers {
	return &Handlers{stats: svc, startTime: time.Now()}
}

// HealthCheck is the bare liveness response used when no HealthChecker is wired.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "healthy",
		"uptime": formatUptime(time.Since(h.startTime)),
	})
}

// RangeResponse lists the cached records of a metric in date order.
type RangeResponse struct {
	Metric  string         `json:"metric"`
	Start   string         `json:"start"`
	End     string         `json:"end"`
	Count   int            `json:"count"`
	Records []stats.Record `json:"records"`
}

// AggregateResponse is returned by the sum and mean endpoints.
type AggregateResponse struct {
	Metric string          `json:"metric"`
	Field  string          `json:"field"`
	Range  stats.Range     `json:"range"`
	Value  stats.Aggregate `json:"value"`
}

// GetRange returns the per-day records between start and end, both inclusive.
//
//	GET /api/stats/{metric}/range?start=2024-01-01&end=2024-01-31
func (h *Handlers) GetRange(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	rng, err := h.resolveRange(r)
	if err != nil {
		respondStatsError(w, err)
		return
	}
	last := rng.End.AddDays(-1)

	records, err := h.stats.GetDataRange(r.Context(), metric, rng.Start, last)
	if err != nil {
		respondStatsError(w, err)
		return
	}

	days := make([]stats.Day, 0, len(records))
	for d := range records {
		days = append(days, d)
	}
	slices.Sort(days)
	out := make([]stats.Record, 0, len(days))
	for _, d := range days {
		out = append(out, records[d])
	}

	httputil.OK(w, RangeResponse{
		Metric:  metric,
		Start:   rng.Start.String(),
		End:     last.String(),
		Count:   len(out),
		Records: out,
	})
}

// GetSeries projects fields into chart series.
//
//	GET /api/stats/{metric}/series?fields=downloads&step=week&range=90+days
func (h *Handlers) GetSeries(w http.ResponseWriter, r *http.Request) {
	req := stats.SeriesRequest{
		Metric: chi.URLParam(r, "metric"),
		Fields: httputil.QueryList(r, "fields"),
		Step:   r.URL.Query().Get("step"),
		Range:  r.URL.Query().Get("range"),
	}
	if len(req.Fields) == 0 {
		httputil.BadRequest(w, "fields is required")
		return
	}
	if req.Range == "" {
		rng, err := h.resolveRange(r)
		if err != nil {
			respondStatsError(w, err)
			return
		}
		req.Start, req.End = rng.Start, rng.End
	}

	result, err := h.stats.GetSeries(r.Context(), req)
	if err != nil {
		respondStatsError(w, err)
		return
	}
	httputil.OK(w, result)
}

// GetSum totals a field over a range.
//
//	GET /api/stats/{metric}/sum?field=downloads&range=30+days
func (h *Handlers) GetSum(w http.ResponseWriter, r *http.Request) {
	h.aggregate(w, r, h.stats.GetSum)
}

// GetMean averages a field over a range.
//
//	GET /api/stats/{metric}/mean?field=downloads&start=2024-01-01&end=2024-01-31
func (h *Handlers) GetMean(w http.ResponseWriter, r *http.Request) {
	h.aggregate(w, r, h.stats.GetMean)
}

type aggregateFunc func(ctx context.Context, metric, field string, start, end stats.Day) (stats.Aggregate, error)

func (h *Handlers) aggregate(w http.ResponseWriter, r *http.Request, fn aggregateFunc) {
	metric := chi.URLParam(r, "metric")
	field := r.URL.Query().Get("field")
	if field == "" {
		httputil.BadRequest(w, "field is required")
		return
	}
	rng, err := h.resolveRange(r)
	if err != nil {
		respondStatsError(w, err)
		return
	}

	value, err := fn(r.Context(), metric, field, rng.Start, rng.End)
	if err != nil {
		respondStatsError(w, err)
		return
	}
	httputil.OK(w, AggregateResponse{Metric: metric, Field: field, Range: rng, Value: value})
}

// GetCompare compares the last `days` days ending at end (inclusive, default
// yesterday) with the two windows before it.
//
//	GET /api/stats/{metric}/compare?field=downloads&days=7
func (h *Handlers) GetCompare(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	field := r.URL.Query().Get("field")
	if field == "" {
		httputil.BadRequest(w, "field is required")
		return
	}
	days, ok := httputil.QueryInt(r, "days", 7)
	if !ok || days <= 0 {
		httputil.BadRequest(w, "days must be a positive integer")
		return
	}

	end := h.stats.Today()
	if v := r.URL.Query().Get("end"); v != "" {
		last, err := stats.ParseDay(v)
		if err != nil {
			respondStatsError(w, err)
			return
		}
		end = last.AddDays(1)
	}

	cmp, err := h.stats.GetCompare(r.Context(), metric, field, end, days)
	if err != nil {
		respondStatsError(w, err)
		return
	}
	httputil.OK(w, cmp)
}

// GetCacheInfo reports cache diagnostics.
//
//	GET /api/stats/cache
func (h *Handlers) GetCacheInfo(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.stats.Stats())
}

// ResetCache drops every cached record.
//
//	DELETE /api/stats/cache
func (h *Handlers) ResetCache(w http.ResponseWriter, r *http.Request) {
	h.stats.Reset()
	logger.Info("stats cache reset", "remote", r.RemoteAddr)
	httputil.NoContent(w)
}

// resolveRange reads either a range descriptor or inclusive start/end dates
// and returns the half-open interval they cover.
func (h *Handlers) resolveRange(r *http.Request) (stats.Range, error) {
	q := r.URL.Query()
	if desc := strings.TrimSpace(q.Get("range")); desc != "" {
		return stats.ParseRange(desc, h.stats.Today())
	}

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" || endStr == "" {
		return stats.Range{}, fmt.Errorf("range or start and end are required: %w", stats.ErrInvalidRange)
	}
	start, err := stats.ParseDay(startStr)
	if err != nil {
		return stats.Range{}, err
	}
	last, err := stats.ParseDay(endStr)
	if err != nil {
		return stats.Range{}, err
	}
	if last < start {
		return stats.Range{}, fmt.Errorf("end %s before start %s: %w", last, start, stats.ErrInvalidRange)
	}
	return stats.ExplicitRange(start, last.AddDays(1)), nil
}
