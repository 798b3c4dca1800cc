// Package redis implements the lock port on Redis. A lock is a key holding a
// random token set with NX and a TTL; refresh and release compare the token
// server-side so only the current holder can extend or free the lease.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"goa.design/orbit/lock"
)

var (
	releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker is a Redis-backed lock.Locker.
type Locker struct {
	client *goredis.Client
}

// New returns a Redis-backed locker.
func New(client *goredis.Client) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{client: client}, nil
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}
	return &held{client: l.client, key: key, token: token}, nil
}

type held struct {
	client *goredis.Client
	key    string
	token  string
}

// Refresh implements lock.Lock.
func (h *held) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, h.client, []string{h.key}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return lock.ErrNotAcquired
	}
	return nil
}

// Release implements lock.Lock.
func (h *held) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err()
}
