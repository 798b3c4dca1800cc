// Package checkpoint defines processor state snapshots and their store port.
// A checkpoint is written at natural turn boundaries (after a tool step, on
// completion, on error) so an interrupted turn can resume from the latest
// snapshot instead of replaying from scratch.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind classifies a checkpoint.
type Kind string

const (
	// KindProgress marks a mid-turn snapshot taken after a completed step.
	KindProgress Kind = "progress"
	// KindComplete marks the final snapshot of a successful turn.
	KindComplete Kind = "complete"
	// KindError marks the final snapshot of a failed turn.
	KindError Kind = "error"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProgress, KindComplete, KindError:
		return true
	}
	return false
}

type (
	// Checkpoint is one serialized processor snapshot.
	Checkpoint struct {
		// ID uniquely identifies the checkpoint.
		ID string `json:"id"`
		// ConversationID scopes the checkpoint.
		ConversationID string `json:"conversation_id"`
		// MessageID is the turn the snapshot belongs to.
		MessageID string `json:"message_id"`
		// Kind classifies the snapshot.
		Kind Kind `json:"kind"`
		// State is the opaque serialized processor state: step index, last
		// emitted sequence, message history and derived data.
		State json.RawMessage `json:"state"`
		// CreatedAt is the snapshot time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Store persists checkpoints. Implementations must be safe for
	// concurrent use.
	Store interface {
		// Save appends a checkpoint.
		Save(ctx context.Context, cp *Checkpoint) error

		// Latest returns the most recent checkpoint of the conversation or
		// ErrNotFound when none exists.
		Latest(ctx context.Context, conversationID string) (*Checkpoint, error)

		// LatestForMessage returns the most recent checkpoint of the given
		// turn or ErrNotFound when none exists.
		LatestForMessage(ctx context.Context, conversationID, messageID string) (*Checkpoint, error)

		// DeleteByConversation removes every checkpoint of the conversation.
		// Part of the conversation delete cascade.
		DeleteByConversation(ctx context.Context, conversationID string) error
	}
)

// ErrNotFound indicates no checkpoint matched the query.
var ErrNotFound = errors.New("checkpoint: not found")
