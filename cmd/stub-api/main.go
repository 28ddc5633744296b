package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/addon-stats/internal/stats"
)

// stubUpstream imitates the stats upstream: the first request for a file
// answers 202 while the "report is computed", later ones answer 200 with
// deterministic records. It never has data for today or later.
type stubUpstream struct {
	mu         sync.Mutex
	seen       map[string]int
	pending    bool
	retryAfter int
	now        func() time.Time
}

func newStubUpstream(pending bool, retryAfter int) *stubUpstream {
	return &stubUpstream{
		seen:       make(map[string]int),
		pending:    pending,
		retryAfter: retryAfter,
		now:        time.Now,
	}
}

// parseStatsFile splits "<metric>-day-<YYYYMMDD>-<YYYYMMDD>.json".
func parseStatsFile(name string) (metric string, start, end stats.Day, err error) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", 0, 0, fmt.Errorf("not a json file: %s", name)
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 || parts[len(parts)-3] != "day" {
		return "", 0, 0, fmt.Errorf("unexpected file name: %s", name)
	}
	if start, err = stats.ParseDay(parts[len(parts)-2]); err != nil {
		return "", 0, 0, err
	}
	if end, err = stats.ParseDay(parts[len(parts)-1]); err != nil {
		return "", 0, 0, err
	}
	return strings.Join(parts[:len(parts)-3], "-"), start, end, nil
}

func stubRecord(metric string, d stats.Day) stats.Record {
	n := int(int64(d)/86_400_000) + len(metric)
	return stats.Record{
		"date":  d.String(),
		"count": 1000 + (n*37)%500,
		"apps": map[string]any{
			"firefox":     600 + (n*13)%300,
			"thunderbird": 100 + (n*7)%50,
		},
		"versions": map[string]any{
			"3.6.1": (n * 11) % 90,
			"4.0":   (n * 5) % 40,
		},
	}
}

func (s *stubUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	metric, start, end, err := parseStatsFile(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.seen[name]++
	hits := s.seen[name]
	s.mu.Unlock()

	if s.pending && hits == 1 {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfter))
		w.WriteHeader(http.StatusAccepted)
		log.Printf("202 %s (computing)", name)
		return
	}

	today := stats.DayOf(s.now())
	recs := []stats.Record{}
	for d := start; d <= end && d < today; d = d.AddDays(1) {
		recs = append(recs, stubRecord(metric, d))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		log.Printf("encode %s: %v", name, err)
		return
	}
	log.Printf("200 %s (%d records)", name, len(recs))
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  WARNING: This is a STUB stats upstream for local testing. ║")
	log.Println("║  All records are GENERATED placeholders.                  ║")
	log.Println("║                                                           ║")
	log.Println("║  Point stats.base_url at http://localhost:8090/statistics ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	pending := os.Getenv("STUB_PENDING") != "false"
	retryAfter := 1
	if v, err := strconv.Atoi(os.Getenv("STUB_RETRY_AFTER")); err == nil && v >= 0 {
		retryAfter = v
	}
	upstream := newStubUpstream(pending, retryAfter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"stats-stub-api","warning":"THIS IS A STUB - records are generated"}`))
	})
	mux.Handle("GET /statistics/{file}", upstream)

	handler := corsMiddleware(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Stub upstream listening on :%s (pending=%v retry-after=%ds)", port, pending, retryAfter)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("X-Server-Identity", "stats-stub-api")
		w.Header().Set("X-Server-Warning", "STUB - generated responses only")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
