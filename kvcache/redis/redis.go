// Package redis implements the cache port on Redis with native key expiry.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/orbit/kvcache"
)

// Cache is a Redis-backed kvcache.Cache.
type Cache struct {
	client *goredis.Client
	prefix string
}

// New returns a Redis-backed cache. Keys are stored under the given prefix.
func New(client *goredis.Client, prefix string) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Cache{client: client, prefix: prefix}, nil
}

// Get implements kvcache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, kvcache.ErrMiss
		}
		return nil, err
	}
	return val, nil
}

// Set implements kvcache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Delete implements kvcache.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
