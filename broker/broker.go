// Package broker defines the port over an ordered, replayable stream used for
// live event tailing and HITL response transport. The contract mirrors Redis
// Streams: entries carry broker-assigned, lexically increasing IDs; reads can
// replay from the head, resume after a known ID, or tail new entries only.
//
// The broker guarantees ordering within a stream key and at-least-once
// delivery for a bounded retention window. It does NOT deduplicate: consumers
// use the log sequence number embedded in event payloads for idempotence.
package broker

import (
	"context"
	"fmt"
	"time"
)

const (
	// FromStart replays the stream from its first retained entry.
	FromStart = "0"
	// FromEnd tails entries published after the read begins.
	FromEnd = "$"
)

type (
	// Entry is one element of a stream.
	Entry struct {
		// ID is the broker-assigned entry identifier. IDs increase with
		// publish order within a stream key.
		ID string
		// Payload is the opaque entry body.
		Payload []byte
	}

	// Broker publishes to and reads from ordered streams.
	Broker interface {
		// Publish appends payload to the stream identified by key and returns
		// the assigned entry ID.
		Publish(ctx context.Context, key string, payload []byte) (string, error)

		// Read returns up to count entries with IDs greater than fromID.
		// FromStart replays the retained stream head; FromEnd skips existing
		// entries and waits for new ones. When no entries are available and
		// block > 0, Read waits up to block before returning an empty slice.
		Read(ctx context.Context, key, fromID string, count int64, block time.Duration) ([]Entry, error)

		// Delete removes the stream and its retained entries.
		Delete(ctx context.Context, key string) error
	}
)

// EventsKey returns the stream key carrying execution events for a
// conversation. SSE consumers tail this stream.
func EventsKey(conversationID string) string {
	return fmt.Sprintf("agent:events:%s", conversationID)
}

// HITLResponsesKey returns the stream key carrying human-in-the-loop
// responses for a conversation.
func HITLResponsesKey(conversationID string) string {
	return fmt.Sprintf("hitl:responses:%s", conversationID)
}
