// Package kvcache defines a TTL key-value cache port used to memoise
// expensive tool results such as web searches.
package kvcache

import (
	"context"
	"errors"
	"time"
)

// Cache stores byte values under string keys with per-entry expiry.
type Cache interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl. A non-positive ttl stores without
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error
}

// ErrMiss indicates the key is absent or expired.
var ErrMiss = errors.New("kvcache: miss")
