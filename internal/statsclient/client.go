// Package statsclient fetches per-day metric records from the stats upstream.
package statsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/addon-stats/internal/config"
	"github.com/ignite/addon-stats/internal/pkg/httpretry"
	"github.com/ignite/addon-stats/internal/pkg/logger"
	"github.com/ignite/addon-stats/internal/stats"
)

// Client is a stats upstream client. It implements stats.Source.
type Client struct {
	baseURL    string
	apiKey     string
	tpl        *liquid.Template
	httpClient httpretry.HTTPDoer

	pendingDefault time.Duration
}

// NewClient creates a stats client. The URL template is parsed once here.
func NewClient(cfg config.StatsConfig) (*Client, error) {
	src := cfg.URLTemplate
	if src == "" {
		src = config.DefaultURLTemplate
	}
	tpl, err := liquid.NewEngine().ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("parsing stats url template: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		tpl:     tpl,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, cfg.MaxRetries),
		pendingDefault: cfg.PendingRetryDefault(),
	}, nil
}

// URL renders the upstream location of a day range.
func (c *Client) URL(metric string, start, end stats.Day) (string, error) {
	out, err := c.tpl.RenderString(map[string]any{
		"base":   c.baseURL,
		"metric": metric,
		"start":  start.Compact(),
		"end":    end.Compact(),
	})
	if err != nil {
		return "", fmt.Errorf("rendering stats url: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// FetchDays requests [start, end] of a metric. A 202 reply is returned as a
// pending result carrying the Retry-After hint.
func (c *Client) FetchDays(ctx context.Context, metric string, start, end stats.Day) (*stats.FetchResult, error) {
	u, err := c.URL(metric, start, end)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		records, err := decodeRecords(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s..%s: %w", metric, start, end, err)
		}
		logger.Debug("fetched stats range",
			"metric", metric,
			"url", logger.RedactURL(u),
			"records", len(records))
		return &stats.FetchResult{Status: stats.FetchComplete, Records: records}, nil

	case http.StatusAccepted:
		return &stats.FetchResult{
			Status:     stats.FetchPending,
			RetryAfter: httpretry.RetryAfter(resp.Header, c.pendingDefault),
		}, nil

	default:
		return nil, &stats.FetchError{
			Metric: metric,
			URL:    logger.RedactURL(u),
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}
}

// decodeRecords parses a JSON array of day objects. Numbers are kept as
// json.Number so large counters survive unchanged.
func decodeRecords(body []byte) ([]stats.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", stats.ErrBadPayload, err)
	}

	records := make([]stats.Record, 0, len(raw))
	for _, m := range raw {
		if m == nil {
			continue
		}
		records = append(records, stats.Record(m))
	}
	return records, nil
}
