// Package chat is the conversation surface of the runtime: conversation
// records and their store port, plus the orchestrator that turns a user
// message into a durable agent turn and a replayable event stream.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status classifies a conversation.
type Status string

const (
	// StatusActive marks a conversation accepting new turns.
	StatusActive Status = "active"
	// StatusArchived marks a read-only conversation.
	StatusArchived Status = "archived"
	// StatusDeleted marks a conversation pending cascade deletion.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

type (
	// Conversation is one chat thread between a user and the agent.
	Conversation struct {
		// ID uniquely identifies the conversation.
		ID string `json:"id"`
		// TenantID identifies the tenant.
		TenantID string `json:"tenant_id"`
		// ProjectID identifies the project whose sandbox serves the
		// conversation.
		ProjectID string `json:"project_id"`
		// UserID identifies the owning user. Only the owner may stream.
		UserID string `json:"user_id"`
		// Title is the display title.
		Title string `json:"title"`
		// Status is the lifecycle state.
		Status Status `json:"status"`
		// AgentConfig carries per-conversation agent settings.
		AgentConfig json.RawMessage `json:"agent_config,omitempty"`
		// MessageCount counts user turns.
		MessageCount int `json:"message_count"`
		// CreatedAt is the creation time.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt tracks the last turn or mutation.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Store persists conversations. Implementations must be safe for
	// concurrent use.
	Store interface {
		// Create inserts a new conversation, assigning ID, status and
		// timestamps when unset.
		Create(ctx context.Context, conv *Conversation) error

		// Get returns the conversation or ErrNotFound.
		Get(ctx context.Context, id string) (*Conversation, error)

		// List returns the tenant's conversations for a project, most
		// recently updated first.
		List(ctx context.Context, tenantID, projectID string) ([]*Conversation, error)

		// Touch increments the message count and bumps UpdatedAt.
		Touch(ctx context.Context, id string) error

		// SetStatus transitions the conversation status.
		SetStatus(ctx context.Context, id string, status Status) error

		// Delete removes the conversation record.
		Delete(ctx context.Context, id string) error
	}
)

var (
	// ErrNotFound indicates no conversation matched.
	ErrNotFound = errors.New("chat: conversation not found")
	// ErrUnauthorized indicates the caller does not own the conversation.
	ErrUnauthorized = errors.New("chat: not authorized for conversation")
	// ErrArchived indicates the conversation no longer accepts turns.
	ErrArchived = errors.New("chat: conversation is not active")
)
