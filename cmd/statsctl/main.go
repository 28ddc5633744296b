// Command statsctl warms and queries the stats cache from the shell using
// the same config and snapshot storage as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ignite/addon-stats/internal/config"
	"github.com/ignite/addon-stats/internal/pkg/logger"
	"github.com/ignite/addon-stats/internal/stats"
	"github.com/ignite/addon-stats/internal/statsclient"
	"github.com/ignite/addon-stats/internal/storage"
)

type app struct {
	cfg      *config.Config
	cache    *stats.StatsCache
	snapshot *storage.SnapshotStore
	backend  storage.Backend
}

func (a *app) close(ctx context.Context) {
	if a.snapshot != nil {
		if err := a.cache.Flush(ctx); err != nil {
			logger.Error("snapshot write failed", "error", err)
		}
	}
	a.cache.Close()
	a.backend.Close()
}

func openApp(ctx context.Context, path string, persist bool) (*app, error) {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactSecrets(cfg.Log.Redact())

	backend, err := storage.New(ctx, cfg.Storage, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	client, err := statsclient.NewClient(cfg.Stats)
	if err != nil {
		backend.Close()
		return nil, err
	}

	a := &app{cfg: cfg, backend: backend}
	opts := stats.Options{
		PendingRetryDefault: cfg.Stats.PendingRetryDefault(),
		MaxPendingRetries:   cfg.Stats.MaxPendingRetries,
	}
	if persist && cfg.Cache.Persist {
		a.snapshot = storage.NewSnapshotStore(backend, cfg.Cache.Version, cfg.Storage.KeyPrefix)
		opts.Persister = a.snapshot
		opts.PersistDebounce = cfg.Cache.PersistDebounce()
	}
	a.cache = stats.New(client, opts)

	if a.snapshot != nil {
		if _, err := a.cache.Load(ctx); err != nil {
			logger.Warn("ignoring unreadable snapshot", "error", err)
		}
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var noPersist bool

	root := &cobra.Command{
		Use:           "statsctl",
		Short:         "Warm and query the day-range stats cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config/config.yaml", "config file")
	root.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "do not read or write the snapshot")

	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfgPath, !noPersist)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))
			return run(cmd, a, args)
		}
	}

	root.AddCommand(
		newWarmCmd(withApp),
		newSeriesCmd(withApp),
		newAggregateCmd("sum", withApp),
		newAggregateCmd("mean", withApp),
		newCompareCmd(withApp),
		newCacheCmd(withApp),
	)
	return root
}

type appRunner func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newWarmCmd(withApp appRunner) *cobra.Command {
	var days, parallel int
	cmd := &cobra.Command{
		Use:   "warm [metric...]",
		Short: "Fetch the last N days of each metric into the cache",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			metrics := args
			if len(metrics) == 0 {
				metrics = a.cfg.Cache.WarmMetrics
			}
			if len(metrics) == 0 {
				return fmt.Errorf("no metrics given and cache.warm_metrics is empty")
			}
			if days == 0 {
				days = a.cfg.Cache.WarmDays
			}

			bar := progressbar.Default(int64(len(metrics)), "warming")
			var failed atomic.Int64
			err := a.cache.Warm(cmd.Context(), metrics, days, parallel, func(r stats.WarmResult) {
				if r.Err != nil {
					failed.Add(1)
				}
				bar.Add(1)
			})
			bar.Finish()
			n := int(failed.Load())
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d metrics warmed, %d failed\n", len(metrics)-n, n)
			return err
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to warm, ending yesterday (default cache.warm_days)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "metrics fetched at once")
	return cmd
}

func newSeriesCmd(withApp appRunner) *cobra.Command {
	var fields []string
	var step, rng string
	cmd := &cobra.Command{
		Use:   "series <metric>",
		Short: "Print chart series for fields of a metric",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.cache.GetSeries(cmd.Context(), stats.SeriesRequest{
				Metric: args[0],
				Fields: fields,
				Step:   step,
				Range:  rng,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields to project, nested with |")
	cmd.Flags().StringVar(&step, "step", "day", "day, week or month")
	cmd.Flags().StringVar(&rng, "range", "30 days", `preset ("90 days") or custom ("2024-01-01:2024-01-31")`)
	cmd.MarkFlagRequired("fields")
	return cmd
}

func newAggregateCmd(kind string, withApp appRunner) *cobra.Command {
	var field, rng string
	cmd := &cobra.Command{
		Use:   kind + " <metric>",
		Short: "Print the " + kind + " of a field over a range",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			r, err := stats.ParseRange(rng, a.cache.Today())
			if err != nil {
				return err
			}
			fn := a.cache.GetSum
			if kind == "mean" {
				fn = a.cache.GetMean
			}
			v, err := fn(cmd.Context(), args[0], field, r.Start, r.End)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"metric": args[0],
				"field":  field,
				"range":  r,
				kind:     v,
			})
		}),
	}
	cmd.Flags().StringVar(&field, "field", "", "field to aggregate, nested with |")
	cmd.Flags().StringVar(&rng, "range", "30 days", "range descriptor")
	cmd.MarkFlagRequired("field")
	return cmd
}

func newCompareCmd(withApp appRunner) *cobra.Command {
	var field string
	var days int
	cmd := &cobra.Command{
		Use:   "compare <metric>",
		Short: "Compare the last N days with the two periods before",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			cmp, err := a.cache.GetCompare(cmd.Context(), args[0], field, a.cache.Today(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cmp)
		}),
	}
	cmd.Flags().StringVar(&field, "field", "", "field to compare")
	cmd.Flags().IntVar(&days, "days", 7, "window length")
	cmd.MarkFlagRequired("field")
	return cmd
}

func newCacheCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect or clear the cache snapshot"}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print cache counters after loading the snapshot",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return printJSON(cmd.OutOrStdout(), a.cache.Stats())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Check the stored snapshot against cache.version",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if a.snapshot == nil {
				return fmt.Errorf("snapshot persistence is disabled")
			}
			return reportVersion(cmd.Context(), cmd.OutOrStdout(), a.snapshot)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the stored snapshot",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if a.snapshot == nil {
				return fmt.Errorf("snapshot persistence is disabled")
			}
			if err := a.snapshot.Clear(cmd.Context()); err != nil {
				return err
			}
			a.cache.Reset()
			// Nothing left to write back.
			a.snapshot = nil
			fmt.Fprintln(cmd.OutOrStdout(), "snapshot cleared")
			return nil
		}),
	})
	return cmd
}

// reportVersion prints whether the stored snapshot can be loaded by this
// build. A stale snapshot is not an error; it is replaced on the next save.
func reportVersion(ctx context.Context, w io.Writer, snap *storage.SnapshotStore) error {
	err := snap.CheckVersion(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(w, "snapshot version %s is current (%s)\n", snap.Version(), snap.Backend().Name())
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintf(w, "no snapshot stored (%s)\n", snap.Backend().Name())
	case errors.Is(err, storage.ErrVersionMismatch):
		fmt.Fprintf(w, "stale snapshot: %v\n", err)
	default:
		return fmt.Errorf("checking snapshot version: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
