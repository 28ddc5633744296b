package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// ErrNotAcquired is returned by WithLock when the lock stays busy until the
// context ends.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrNotHeld is returned when extending a lock this instance no longer owns.
var ErrNotHeld = errors.New("lock not held")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is a lock whose TTL can be pushed out while it is held.
type Extender interface {
	DistLock
	Extend(ctx context.Context, ttl time.Duration) error
	TTL() time.Duration
}

// WithLock polls Acquire every interval until it succeeds or ctx ends, runs
// fn, then releases. A release failure is returned only when fn succeeded.
// Locks that implement Extender are extended every half TTL while fn runs;
// if an extension fails fn's context is canceled and the error wraps the cause.
func WithLock(ctx context.Context, l DistLock, interval time.Duration, fn func(ctx context.Context) error) (err error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		ok, aerr := l.Acquire(ctx)
		if aerr != nil {
			return aerr
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-time.After(interval):
		}
	}

	defer func() {
		// Release on a fresh context so a canceled caller still frees the lock.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := l.Release(rctx); rerr != nil && err == nil {
			err = fmt.Errorf("releasing lock: %w", rerr)
		}
	}()

	e, ok := l.(Extender)
	if !ok {
		return fn(ctx)
	}

	fctx, lost := context.WithCancelCause(ctx)
	defer lost(nil)
	stop := keepAlive(fctx, e, lost)
	err = fn(fctx)
	stop()
	if cause := context.Cause(fctx); err != nil && errors.Is(cause, ErrNotHeld) {
		return fmt.Errorf("lock lost while held: %w", cause)
	}
	return err
}

// keepAlive extends l until stop is called or an extension fails, in which
// case lost is called with the error.
func keepAlive(ctx context.Context, l Extender, lost context.CancelCauseFunc) (stop func()) {
	every := l.TTL() / 2
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.Extend(ctx, l.TTL()); err != nil {
					if !errors.Is(err, ErrNotHeld) {
						err = fmt.Errorf("%w: %v", ErrNotHeld, err)
					}
					lost(err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session scoped, so the lock pins one pooled
// connection from Acquire until Release. If that connection drops the server
// releases the lock.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// LockID is the advisory lock key derived from the lock name.
func (l *PGAdvisoryLock) LockID() int64 {
	return l.lockID
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d already held by this instance", l.lockID)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserving connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquiring advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("releasing advisory lock %d: %w", l.lockID, err)
	}
	return nil
}
