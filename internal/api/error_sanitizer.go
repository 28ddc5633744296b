package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/addon-stats/internal/pkg/httputil"
	"github.com/ignite/addon-stats/internal/pkg/logger"
	"github.com/ignite/addon-stats/internal/stats"
)

// respondStatsError maps stats errors to HTTP statuses. Input errors keep
// their message; upstream and internal failures are logged in full and
// answered with a generic one.
func respondStatsError(w http.ResponseWriter, err error) {
	var fetchErr *stats.FetchError
	switch {
	case errors.Is(err, stats.ErrInvalidRange), errors.Is(err, stats.ErrUnknownStep):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, stats.ErrStillPending), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("stats not ready", "error", err)
		httputil.GatewayTimeout(w, "stats are still being computed upstream, retry later")
	case errors.As(err, &fetchErr):
		logger.Error("stats upstream failed", "metric", fetchErr.Metric, "url", fetchErr.URL, "status", fetchErr.Status)
		httputil.BadGateway(w, fmt.Sprintf("stats upstream returned status %d", fetchErr.Status))
	case errors.Is(err, stats.ErrBadPayload):
		logger.Error("stats upstream payload", "error", err)
		httputil.BadGateway(w, "stats upstream returned a malformed payload")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		logger.Debug("request canceled", "error", err)
	default:
		httputil.InternalError(w, err)
	}
}
