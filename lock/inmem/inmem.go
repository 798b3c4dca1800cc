// Package inmem provides a process-local lock.Locker for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/orbit/lock"
)

// Locker is an in-memory lock.Locker.
type Locker struct {
	mu    sync.Mutex
	leases map[string]*lease
}

type lease struct {
	expiresAt time.Time
}

// New returns an empty locker.
func New() *Locker {
	return &Locker{leases: make(map[string]*lease)}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && time.Now().Before(cur.expiresAt) {
		return nil, lock.ErrNotAcquired
	}
	ls := &lease{expiresAt: time.Now().Add(ttl)}
	l.leases[key] = ls
	return &held{locker: l, key: key, lease: ls}, nil
}

type held struct {
	locker *Locker
	key    string
	lease  *lease
}

// Refresh implements lock.Lock.
func (h *held) Refresh(ctx context.Context, ttl time.Duration) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	cur, ok := h.locker.leases[h.key]
	if !ok || cur != h.lease || time.Now().After(cur.expiresAt) {
		return lock.ErrNotAcquired
	}
	cur.expiresAt = time.Now().Add(ttl)
	return nil
}

// Release implements lock.Lock.
func (h *held) Release(ctx context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if cur, ok := h.locker.leases[h.key]; ok && cur == h.lease {
		delete(h.locker.leases, h.key)
	}
	return nil
}
