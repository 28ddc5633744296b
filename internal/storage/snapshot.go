package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/addon-stats/internal/pkg/distlock"
	"github.com/ignite/addon-stats/internal/pkg/logger"
)

const (
	SnapshotKey = "statscache"
	VersionKey  = "stats_version"
)

// SnapshotStore saves and loads the versioned cache snapshot. It satisfies
// stats.Persister.
type SnapshotStore struct {
	kv       Backend
	version  string
	prefix   string
	lockWait time.Duration
}

// NewSnapshotStore wraps kv. Keys are namespaced by prefix.
func NewSnapshotStore(kv Backend, version, prefix string) *SnapshotStore {
	if version == "" {
		version = "1"
	}
	return &SnapshotStore{
		kv:       kv,
		version:  version,
		prefix:   prefix,
		lockWait: 10 * time.Second,
	}
}

// Backend returns the underlying key/value store.
func (s *SnapshotStore) Backend() Backend {
	return s.kv
}

// Version is the schema version written with every snapshot.
func (s *SnapshotStore) Version() string {
	return s.version
}

// CheckVersion returns nil when a snapshot of the current version is
// stored, ErrNotFound when none is, and ErrVersionMismatch otherwise.
func (s *SnapshotStore) CheckVersion(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, s.prefix+VersionKey)
	if err != nil {
		return err
	}
	stored := strings.TrimSpace(string(raw))
	if stored != s.version {
		return fmt.Errorf("%w: stored %q, want %q", ErrVersionMismatch, stored, s.version)
	}
	return nil
}

// Load decodes the snapshot into dst. It reports false, without error, when
// nothing is stored or the stored version is stale.
func (s *SnapshotStore) Load(ctx context.Context, dst any) (bool, error) {
	if err := s.CheckVersion(ctx); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return false, nil
		case errors.Is(err, ErrVersionMismatch):
			logger.Warn("discarding stats snapshot", "backend", s.kv.Name(), "reason", err.Error())
			return false, nil
		}
		return false, fmt.Errorf("reading snapshot version: %w", err)
	}

	data, err := s.kv.Get(ctx, s.prefix+SnapshotKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading snapshot: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Warn("discarding unreadable stats snapshot", "backend", s.kv.Name(), "error", err)
		return false, nil
	}
	return true, nil
}

// Save drops the version tag, writes the snapshot, then writes the tag
// again. An interrupted save leaves no tag, so Load reports nothing stored.
// On shared backends the writes happen under the snapshot lock.
func (s *SnapshotStore) Save(ctx context.Context, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	write := func(ctx context.Context) error {
		if err := s.kv.Delete(ctx, s.prefix+VersionKey); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("clearing snapshot version: %w", err)
		}
		if err := s.kv.Put(ctx, s.prefix+SnapshotKey, data); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		if err := s.kv.Put(ctx, s.prefix+VersionKey, []byte(s.version)); err != nil {
			return fmt.Errorf("writing snapshot version: %w", err)
		}
		return nil
	}

	start := time.Now()
	if l, ok := s.kv.(Locker); ok {
		lctx, cancel := context.WithTimeout(ctx, s.lockWait)
		defer cancel()
		err = distlock.WithLock(lctx, l.NewLock(s.prefix+SnapshotKey), 50*time.Millisecond, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return err
	}

	logger.Info("stats snapshot saved",
		"backend", s.kv.Name(),
		"bytes", len(data),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Clear deletes the stored snapshot and its version tag.
func (s *SnapshotStore) Clear(ctx context.Context) error {
	for _, key := range []string{s.prefix + SnapshotKey, s.prefix + VersionKey} {
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}
