// Package eventlog defines the durable per-conversation event log. Every
// observable step of an agent turn (user message, model output, tool calls,
// human-in-the-loop prompts, terminal markers) is persisted as an Event with a
// conversation-scoped monotonic sequence number. The log is the replay source
// for the combined replay/tail consumer protocol implemented by the chat
// package; live tailing rides on the stream broker instead.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Type identifies the kind of an execution event. The set is closed: adding a
// new type requires a coordinated change across emitters and consumers.
type Type string

const (
	// TypeUserMessage records a user turn entering the conversation.
	TypeUserMessage Type = "user_message"
	// TypeAssistantMessage records the assistant's final message for a turn.
	TypeAssistantMessage Type = "assistant_message"
	// TypeThought records intermediate reasoning surfaced to clients.
	TypeThought Type = "thought"
	// TypeTextDelta streams incremental assistant output. Deltas may be
	// stream-only and absent from the durable log; consumers must handle both.
	TypeTextDelta Type = "text_delta"
	// TypeAct records a tool invocation before it executes.
	TypeAct Type = "act"
	// TypeObserve records the result (or error) of a tool invocation.
	TypeObserve Type = "observe"
	// TypeCostUpdate reports accumulated token usage and cost.
	TypeCostUpdate Type = "cost_update"
	// TypeClarificationAsked records a pending clarification prompt.
	TypeClarificationAsked Type = "clarification_asked"
	// TypeClarificationAnswered records the clarification resolution.
	TypeClarificationAnswered Type = "clarification_answered"
	// TypeDecisionAsked records a pending decision prompt.
	TypeDecisionAsked Type = "decision_asked"
	// TypeDecisionAnswered records the decision resolution.
	TypeDecisionAnswered Type = "decision_answered"
	// TypeEnvVarRequested records a pending environment variable request.
	TypeEnvVarRequested Type = "env_var_requested"
	// TypeEnvVarProvided records the environment variable resolution.
	TypeEnvVarProvided Type = "env_var_provided"
	// TypeComplete marks successful turn completion. It is the last event of
	// its message.
	TypeComplete Type = "complete"
	// TypeError marks turn failure. It is the last event of its message.
	TypeError Type = "error"
	// TypeCheckpoint records that processor state was checkpointed.
	TypeCheckpoint Type = "checkpoint"
)

// Valid reports whether t is a member of the closed event type set.
func (t Type) Valid() bool {
	switch t {
	case TypeUserMessage, TypeAssistantMessage, TypeThought, TypeTextDelta,
		TypeAct, TypeObserve, TypeCostUpdate,
		TypeClarificationAsked, TypeClarificationAnswered,
		TypeDecisionAsked, TypeDecisionAnswered,
		TypeEnvVarRequested, TypeEnvVarProvided,
		TypeComplete, TypeError, TypeCheckpoint:
		return true
	}
	return false
}

// Terminal reports whether t ends the event sequence of a message.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

type (
	// Event is the unit of the event log.
	Event struct {
		// ID is the durable identifier of the event.
		ID string
		// ConversationID identifies the owning conversation.
		ConversationID string
		// MessageID identifies the turn (user prompt + assistant response)
		// this event belongs to.
		MessageID string
		// Sequence is the conversation-scoped monotonic sequence number.
		// Sequences are dense and start at 1.
		Sequence int64
		// Type is the event kind.
		Type Type
		// Data is the opaque JSON payload. Its shape is fixed per Type.
		Data json.RawMessage
		// CreatedAt records when the event was appended (UTC).
		CreatedAt time.Time
	}

	// Log persists execution events.
	//
	// Contract:
	// - Append is linearizable per conversation: two concurrent appends to the
	//   same conversation are serialised and receive distinct consecutive
	//   sequence numbers. Appends to different conversations proceed
	//   concurrently.
	// - Sequence numbers per conversation are exactly {1..N}: no gaps, no
	//   duplicates.
	Log interface {
		// Append persists a new event and returns it with the authoritative
		// sequence number and creation time assigned.
		Append(ctx context.Context, conversationID, messageID string, typ Type, data json.RawMessage) (Event, error)

		// ListByConversation returns events for the conversation with
		// Sequence > sinceSeq, ordered by sequence. Pass 0 for all events.
		ListByConversation(ctx context.Context, conversationID string, sinceSeq int64) ([]Event, error)

		// ListByMessage returns the contiguous event slice for one turn,
		// ordered by sequence.
		ListByMessage(ctx context.Context, conversationID, messageID string) ([]Event, error)

		// LastSequence returns the highest sequence number appended to the
		// conversation, or 0 when the conversation has no events.
		LastSequence(ctx context.Context, conversationID string) (int64, error)

		// DeleteByConversation removes all events of the conversation.
		DeleteByConversation(ctx context.Context, conversationID string) error
	}
)

// ErrInvalidType indicates an event type outside the closed set.
var ErrInvalidType = errors.New("eventlog: invalid event type")
