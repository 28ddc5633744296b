package statsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/addon-stats/internal/config"
	"github.com/ignite/addon-stats/internal/stats"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.StatsConfig{
		BaseURL:                    server.URL + "/",
		APIKey:                     "test-api-key",
		TimeoutSeconds:             5,
		MaxRetries:                 1,
		PendingRetryDefaultSeconds: 30,
	})
	require.NoError(t, err)
	c.httpClient = &http.Client{Timeout: 5 * time.Second}
	return c
}

func day(t *testing.T, s string) stats.Day {
	t.Helper()
	d, err := stats.ParseDay(s)
	require.NoError(t, err)
	return d
}

func TestURL(t *testing.T) {
	c, err := NewClient(config.StatsConfig{BaseURL: "https://stats.example.com/addon/1865/statistics/"})
	require.NoError(t, err)

	u, err := c.URL("downloads", day(t, "2026-01-01"), day(t, "2026-01-31"))
	require.NoError(t, err)
	assert.Equal(t, "https://stats.example.com/addon/1865/statistics/downloads-day-20260101-20260131.json", u)
}

func TestURLCustomTemplate(t *testing.T) {
	c, err := NewClient(config.StatsConfig{
		BaseURL:     "https://api.example.com",
		URLTemplate: "{{ base }}/v2/{{ metric | upcase }}?from={{ start }}&to={{ end }}",
	})
	require.NoError(t, err)

	u, err := c.URL("usage", day(t, "2026-02-01"), day(t, "2026-02-02"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2/USAGE?from=20260201&to=20260202", u)
}

func TestNewClientBadTemplate(t *testing.T) {
	_, err := NewClient(config.StatsConfig{URLTemplate: "{% if base %}{{ base }}"})
	assert.Error(t, err)
}

func TestFetchDaysComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/downloads-day-20260101-20260102.json", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"date": "2026-01-01", "count": 12, "apps": {"firefox": 9007199254740993}},
			{"date": "2026-01-02", "count": null}
		]`))
	}))
	defer server.Close()

	res, err := newTestClient(t, server).FetchDays(context.Background(), "downloads", day(t, "2026-01-01"), day(t, "2026-01-02"))
	require.NoError(t, err)
	assert.Equal(t, stats.FetchComplete, res.Status)
	require.Len(t, res.Records, 2)

	v, ok := stats.Number(res.Records[0], "count")
	require.True(t, ok)
	assert.Equal(t, 12.0, v)

	raw, ok := stats.Field(res.Records[0], "apps|firefox")
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), raw)

	_, ok = stats.Number(res.Records[1], "count")
	assert.False(t, ok)
}

func TestFetchDaysPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(t, server)
	res, err := c.FetchDays(context.Background(), "downloads", day(t, "2026-01-01"), day(t, "2026-01-02"))
	require.NoError(t, err)
	assert.Equal(t, stats.FetchPending, res.Status)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
	assert.Empty(t, res.Records)
}

func TestFetchDaysPendingDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	res, err := newTestClient(t, server).FetchDays(context.Background(), "downloads", day(t, "2026-01-01"), day(t, "2026-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestFetchDaysErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such addon"))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).FetchDays(context.Background(), "downloads", day(t, "2026-01-01"), day(t, "2026-01-02"))
	var fe *stats.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, "downloads", fe.Metric)
	assert.Equal(t, "no such addon", fe.Body)
}

func TestFetchDaysBadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not": "an array"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).FetchDays(context.Background(), "downloads", day(t, "2026-01-01"), day(t, "2026-01-02"))
	assert.ErrorIs(t, err, stats.ErrBadPayload)
}

func TestClientDrivesRangeFetch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Write([]byte(`[{"date": "2026-01-01", "count": 4}, {"date": "2026-01-02", "count": "6"}]`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	sc := stats.New(c, stats.Options{
		PendingRetryDefault: time.Millisecond,
		Now:                 func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})

	sum, err := sc.GetSum(context.Background(), "downloads", "count", day(t, "2026-01-01"), day(t, "2026-01-03"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, sum.Value)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
