package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockExclusive(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "statscache", time.Minute)
	b := NewRedisLock(client, "statscache", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("lock:statscache"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b must not free a's lock.
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:statscache"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("lock:statscache"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndExtend(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "statscache", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, 10*time.Second))
	mr.FastForward(5 * time.Second)
	assert.True(t, mr.Exists(a.Key()))

	mr.FastForward(6 * time.Second)
	assert.False(t, mr.Exists(a.Key()))
	assert.True(t, errors.Is(a.Extend(ctx, time.Second), ErrNotHeld))
}

func TestWithLockRunsAndReleases(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLock(client, "job", time.Minute)

	ran := false
	err := WithLock(context.Background(), l, time.Millisecond, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:job"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:job"))
}

func TestWithLockTimesOut(t *testing.T) {
	_, client := newRedis(t)
	holder := NewRedisLock(client, "job", time.Minute)
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = WithLock(ctx, NewRedisLock(client, "job", time.Minute), 5*time.Millisecond, func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestWithLockPropagatesFnError(t *testing.T) {
	_, client := newRedis(t)
	boom := errors.New("boom")
	err := WithLock(context.Background(), NewRedisLock(client, "job", time.Minute), 0, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "statscache")
	assert.Equal(t, l.LockID(), NewPGAdvisoryLock(db, "statscache").LockID())

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.LockID()).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.LockID()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockBusy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "statscache")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLockExtendsWhileHeld(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLock(client, "statscache", 100*time.Millisecond)

	err := WithLock(context.Background(), l, time.Millisecond, func(ctx context.Context) error {
		mr.SetTTL(l.Key(), time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL(l.Key()) == 100*time.Millisecond
		}, time.Second, 5*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(l.Key()))
}

func TestWithLockCancelsWhenLockLost(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLock(client, "statscache", 40*time.Millisecond)

	err := WithLock(context.Background(), l, time.Millisecond, func(ctx context.Context) error {
		mr.Del(l.Key())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, ErrNotHeld)
}
