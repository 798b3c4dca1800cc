// Package inmem provides an in-memory broker for tests and development. It
// reproduces the Redis Streams ID and blocking-read semantics the runtime
// relies on without requiring a Redis connection.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/orbit/broker"
)

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	entries []broker.Entry
	next    int64
	waiters []chan struct{}
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, key string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(key)
	s.next++
	id := fmt.Sprintf("%d-0", s.next)
	s.entries = append(s.entries, broker.Entry{ID: id, Payload: append([]byte(nil), payload...)})
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	return id, nil
}

// Read implements broker.Broker. The special from IDs are resolved to a
// concrete cursor once, so entries published while the read blocks are not
// skipped on wakeup.
func (b *Broker) Read(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]broker.Entry, error) {
	after, err := b.resolveCursor(key, fromID)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(block)
	for {
		entries, wait := b.readAfter(key, after, count)
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

// Delete implements broker.Broker.
func (b *Broker) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, key)
	return nil
}

func (b *Broker) resolveCursor(key, fromID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch fromID {
	case broker.FromStart:
		return 0, nil
	case broker.FromEnd:
		return b.stream(key).next, nil
	default:
		return parseID(fromID)
	}
}

func (b *Broker) readAfter(key string, after int64, count int64) ([]broker.Entry, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(key)
	var out []broker.Entry
	for _, entry := range s.entries {
		seq, err := parseID(entry.ID)
		if err != nil {
			continue
		}
		if seq <= after {
			continue
		}
		out = append(out, entry)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	wait := make(chan struct{})
	s.waiters = append(s.waiters, wait)
	return nil, wait
}

func (b *Broker) stream(key string) *stream {
	s, ok := b.streams[key]
	if !ok {
		s = &stream{}
		b.streams[key] = s
	}
	return s
}

func parseID(id string) (int64, error) {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return n, nil
}
