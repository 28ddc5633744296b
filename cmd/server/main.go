package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/addon-stats/internal/api"
	"github.com/ignite/addon-stats/internal/config"
	"github.com/ignite/addon-stats/internal/pkg/logger"
	"github.com/ignite/addon-stats/internal/stats"
	"github.com/ignite/addon-stats/internal/statsclient"
	"github.com/ignite/addon-stats/internal/storage"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Addon Stats Server (cmd/server/main.go)                  ║")
	log.Println("║  Cached day-range stats with upstream range coalescing    ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactSecrets(cfg.Log.Redact())

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Snapshot storage
	backend, err := storage.New(ctx, cfg.Storage, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer backend.Close()
	logger.Info("snapshot storage ready", "backend", backend.Name())

	var persister stats.Persister
	if cfg.Cache.Persist {
		persister = storage.NewSnapshotStore(backend, cfg.Cache.Version, cfg.Storage.KeyPrefix)
	}

	client, err := statsclient.NewClient(cfg.Stats)
	if err != nil {
		log.Fatalf("Failed to initialize stats client: %v", err)
	}

	cache := stats.New(client, stats.Options{
		Persister:           persister,
		PersistDebounce:     cfg.Cache.PersistDebounce(),
		PendingRetryDefault: cfg.Stats.PendingRetryDefault(),
		MaxPendingRetries:   cfg.Stats.MaxPendingRetries,
	})

	if persister != nil {
		loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
		found, err := cache.Load(loadCtx)
		loadCancel()
		switch {
		case err != nil:
			logger.Warn("starting with an empty stats cache", "error", err)
		case found:
			st := cache.Stats()
			logger.Info("stats cache restored", "metrics", st.Metrics, "records", st.Records)
		default:
			logger.Info("no stats snapshot for this version, starting empty", "version", cfg.Cache.Version)
		}
	}

	if len(cfg.Cache.WarmMetrics) > 0 {
		go func() {
			if err := cache.Warm(ctx, cfg.Cache.WarmMetrics, cfg.Cache.WarmDays, 4, nil); err != nil {
				logger.Warn("stats warm incomplete", "error", err)
			}
		}()
	}

	var redisClient *redis.Client
	var db *sql.DB
	switch b := backend.(type) {
	case *storage.RedisBackend:
		redisClient = b.Client()
	case *storage.PostgresBackend:
		db = b.DB()
	}
	health := api.NewHealthChecker(backend, redisClient, db, cache)
	server := api.NewServer(cfg.Server, cache, health)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	// Stops warm-up. Shared upstream fetches end at cache.Close.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if persister != nil {
		if err := cache.Flush(shutdownCtx); err != nil {
			logger.Error("final snapshot write failed", "error", err)
		}
	}
	cache.Close()

	log.Println("Server stopped")
}
