// Package storage persists the stats cache snapshot in a key/value backend.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/addon-stats/internal/config"
	"github.com/ignite/addon-stats/internal/pkg/distlock"
)

var (
	// ErrNotFound is returned by backends for absent keys.
	ErrNotFound = errors.New("key not found")
	// ErrVersionMismatch means the stored snapshot was written by another schema version.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
)

// Backend is a byte-oriented key/value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Name() string
	Close() error
}

// Pinger is implemented by backends with a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Locker is implemented by backends shared across processes. Writes of the
// snapshot keys are done while holding the returned lock.
type Locker interface {
	NewLock(name string) distlock.DistLock
}

// New opens the backend selected by cfg.Type. redisURL is only used by the
// redis backend.
func New(ctx context.Context, cfg config.StorageConfig, redisURL string) (Backend, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath)

	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage type s3 needs storage.s3_bucket")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Backend(newS3Client(awsCfg, cfg.AWSEndpoint), cfg.S3Bucket, cfg.S3Prefix), nil

	case "dynamodb":
		if cfg.DynamoDBTable == "" {
			return nil, fmt.Errorf("storage type dynamodb needs storage.dynamodb_table")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewDynamoBackend(newDynamoClient(awsCfg), cfg.DynamoDBTable), nil

	case "redis":
		if redisURL == "" {
			return nil, fmt.Errorf("storage type redis needs redis.url")
		}
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return NewRedisBackend(redis.NewClient(opts), cfg.LockTTL()), nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("storage type postgres needs storage.database_url")
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		b := NewPostgresBackend(db)
		if _, err := b.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}
