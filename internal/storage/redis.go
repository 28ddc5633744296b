package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/addon-stats/internal/pkg/distlock"
)

// RedisBackend stores keys as plain redis strings. Snapshot writes from
// several server instances are serialized with a redis lock.
type RedisBackend struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, lockTTL time.Duration) *RedisBackend {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &RedisBackend{client: client, lockTTL: lockTTL}
}

// Client exposes the redis client for health checks.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	n, err := b.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *RedisBackend) NewLock(name string) distlock.DistLock {
	return distlock.NewRedisLock(b.client, name, b.lockTTL)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Close() error { return b.client.Close() }
