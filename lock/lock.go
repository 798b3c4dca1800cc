// Package lock defines the distributed lock port used to serialise sandbox
// creation across processes. Locks are leased: they expire after a TTL so a
// crashed holder cannot wedge the system, and holders refresh the lease while
// they work.
package lock

import (
	"context"
	"errors"
	"time"
)

type (
	// Locker acquires named locks.
	Locker interface {
		// Acquire attempts to take the lock once. It returns ErrNotAcquired
		// when another holder owns the lock.
		Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	}

	// Lock is a held lease.
	Lock interface {
		// Refresh extends the lease. It fails if the lease expired and was
		// taken by another holder.
		Refresh(ctx context.Context, ttl time.Duration) error

		// Release frees the lock. Releasing an expired lease is not an error.
		Release(ctx context.Context) error
	}
)

// ErrNotAcquired indicates the lock is held elsewhere.
var ErrNotAcquired = errors.New("lock: not acquired")

// AcquireWait retries Acquire until it succeeds or waitTimeout elapses.
// Retries are spaced by retryInterval (defaults to 250ms when zero).
func AcquireWait(ctx context.Context, locker Locker, key string, ttl, waitTimeout, retryInterval time.Duration) (Lock, error) {
	if retryInterval <= 0 {
		retryInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	for {
		l, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(retryInterval):
		}
	}
}
