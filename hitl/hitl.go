// Package hitl implements human-in-the-loop request handling. A tool call
// running inside a workflow activity creates a Request and blocks on a waiter;
// the answering user typically lives in a different process, so responses
// travel through the stream broker and a durable pending-request store lets a
// reconnecting UI enumerate open prompts.
package hitl

import (
	"context"
	"errors"
	"time"

	"goa.design/orbit/eventlog"
)

// Kind identifies the shape of a human-in-the-loop prompt.
type Kind string

const (
	// KindClarification asks the user a free-form or multiple-choice question.
	KindClarification Kind = "clarification"
	// KindDecision asks the user to choose between weighed alternatives.
	KindDecision Kind = "decision"
	// KindEnvVar asks the user to provide environment variable values.
	KindEnvVar Kind = "env_var"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindClarification, KindDecision, KindEnvVar:
		return true
	}
	return false
}

// AskedEvent returns the event type emitted when a request of this kind is
// created.
func (k Kind) AskedEvent() eventlog.Type {
	switch k {
	case KindDecision:
		return eventlog.TypeDecisionAsked
	case KindEnvVar:
		return eventlog.TypeEnvVarRequested
	default:
		return eventlog.TypeClarificationAsked
	}
}

// AnsweredEvent returns the event type emitted when a request of this kind is
// resolved.
func (k Kind) AnsweredEvent() eventlog.Type {
	switch k {
	case KindDecision:
		return eventlog.TypeDecisionAnswered
	case KindEnvVar:
		return eventlog.TypeEnvVarProvided
	default:
		return eventlog.TypeClarificationAnswered
	}
}

// Source identifies how a request was resolved.
type Source string

const (
	// SourceUser marks a resolution produced by a user response.
	SourceUser Source = "user"
	// SourceTimeout marks a resolution produced by the default choice after
	// the deadline passed.
	SourceTimeout Source = "timeout"
	// SourceCancel marks a resolution produced by cancellation.
	SourceCancel Source = "cancel"
)

type (
	// Option is one selectable answer presented to the user.
	Option struct {
		// ID is the stable identifier returned as the answer.
		ID string `json:"id"`
		// Label is the short display text.
		Label string `json:"label,omitempty"`
		// Description elaborates on the option.
		Description string `json:"description,omitempty"`
		// Recommended marks the option the agent suggests.
		Recommended bool `json:"recommended,omitempty"`
		// EstimatedTime describes the expected duration (decision prompts).
		EstimatedTime string `json:"estimated_time,omitempty"`
		// EstimatedCost describes the expected cost (decision prompts).
		EstimatedCost string `json:"estimated_cost,omitempty"`
		// Risks lists known risks of the option (decision prompts).
		Risks []string `json:"risks,omitempty"`
	}

	// EnvVarSpec describes one requested environment variable.
	EnvVarSpec struct {
		// Name is the variable name.
		Name string `json:"name"`
		// Description explains what the variable is for.
		Description string `json:"description,omitempty"`
		// InputType hints the UI widget: text, password or url.
		InputType string `json:"input_type,omitempty"`
		// Required marks variables the user must provide.
		Required bool `json:"required,omitempty"`
		// ValidationPattern is an optional regular expression the value must
		// match.
		ValidationPattern string `json:"validation_pattern,omitempty"`
	}

	// Request is a pending human-in-the-loop prompt.
	Request struct {
		// ID is the unique request identifier.
		ID string `json:"request_id"`
		// ConversationID identifies the owning conversation.
		ConversationID string `json:"conversation_id"`
		// MessageID identifies the turn that raised the prompt.
		MessageID string `json:"message_id,omitempty"`
		// Kind selects the prompt shape.
		Kind Kind `json:"kind"`
		// Prompt is the question shown to the user.
		Prompt string `json:"prompt"`
		// Options lists selectable answers (clarification, decision).
		Options []Option `json:"options,omitempty"`
		// EnvVars lists requested variables (env_var).
		EnvVars []EnvVarSpec `json:"env_vars,omitempty"`
		// AllowCustom permits a free-form answer outside Options.
		AllowCustom bool `json:"allow_custom,omitempty"`
		// DefaultChoice resolves the request when the deadline passes. Empty
		// means a timeout fails the request instead.
		DefaultChoice string `json:"default_choice,omitempty"`
		// Deadline is the instant after which the request times out.
		Deadline time.Time `json:"timeout_deadline"`
	}

	// Response resolves a pending request.
	Response struct {
		// RequestID identifies the request being answered.
		RequestID string `json:"request_id"`
		// Answer is the selected option ID or free-form text.
		Answer string `json:"answer,omitempty"`
		// Values carries provided environment variable values (env_var).
		Values map[string]string `json:"values,omitempty"`
		// Source records how the request was resolved.
		Source Source `json:"source,omitempty"`
	}

	// Store persists pending requests so reconnecting clients can enumerate
	// open prompts. Rows are deleted on resolution.
	Store interface {
		// Create persists a pending request.
		Create(ctx context.Context, req *Request) error

		// Get returns the pending request with the given ID.
		Get(ctx context.Context, requestID string) (*Request, error)

		// ListByConversation returns pending requests for the conversation
		// ordered by deadline.
		ListByConversation(ctx context.Context, conversationID string) ([]*Request, error)

		// Delete removes the pending request. Deleting an absent request is
		// not an error.
		Delete(ctx context.Context, requestID string) error
	}
)

var (
	// ErrNotFound indicates an unknown request ID.
	ErrNotFound = errors.New("hitl: request not found")
	// ErrTimeout indicates the request deadline passed without a response and
	// no default choice was configured.
	ErrTimeout = errors.New("hitl: request timed out")
	// ErrCanceled indicates the request was cancelled before resolution.
	ErrCanceled = errors.New("hitl: request cancelled")
)
