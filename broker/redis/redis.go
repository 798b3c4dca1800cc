// Package redis provides the Redis Streams implementation of broker.Broker.
// Each stream key maps to a Redis stream; entries are appended with XADD under
// approximate max-length retention and read with XREAD so replay, resume, and
// blocking tail all share one code path.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/orbit/broker"
)

const (
	defaultMaxLen    = 10000
	payloadField     = "payload"
	defaultOpTimeout = 10 * time.Second
)

type (
	// Options configures the Redis broker.
	Options struct {
		// Client is the Redis connection backing the streams. Required.
		Client *goredis.Client
		// MaxLen bounds the number of entries retained per stream
		// (approximate trimming). Defaults to 10000.
		MaxLen int64
		// OperationTimeout bounds non-blocking operations. Defaults to 10s.
		OperationTimeout time.Duration
	}

	// Broker implements broker.Broker on Redis Streams.
	Broker struct {
		client  *goredis.Client
		maxLen  int64
		timeout time.Duration
	}
)

// New constructs a Redis-backed broker. The Client field in opts is required.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Broker{client: opts.Client, maxLen: maxLen, timeout: timeout}, nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, key string, payload []byte) (string, error) {
	if key == "" {
		return "", errors.New("stream key is required")
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	id, err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return id, nil
}

// Read implements broker.Broker. A block of zero or less performs a
// non-blocking read.
func (b *Broker) Read(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]broker.Entry, error) {
	if key == "" {
		return nil, errors.New("stream key is required")
	}
	if fromID == "" {
		fromID = broker.FromStart
	}
	// XREAD blocks server-side; bound the client context a little beyond the
	// requested block so the server timeout fires first.
	readCtx := ctx
	if block > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, block+b.timeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	args := &goredis.XReadArgs{
		Streams: []string{key, fromID},
		Count:   count,
		Block:   block,
	}
	if block <= 0 {
		args.Block = -1
	}
	streams, err := b.client.XRead(readCtx, args).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread %s: %w", key, err)
	}
	var entries []broker.Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, broker.Entry{ID: msg.ID, Payload: payloadOf(msg)})
		}
	}
	return entries, nil
}

// Delete implements broker.Broker.
func (b *Broker) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.client.Del(ctx, key).Err()
}

func payloadOf(msg goredis.XMessage) []byte {
	v, ok := msg.Values[payloadField]
	if !ok {
		return nil
	}
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return nil
	}
}
