// Package model defines the provider-agnostic LLM client port. Implementations
// wrap provider SDKs (Anthropic, OpenAI) and translate the normalized request
// and chunk types into provider formats, so the session layer never couples to
// a specific SDK.
package model

import (
	"context"
	"errors"
)

type (
	// Client invokes chat completions. Implementations must be safe for
	// concurrent use.
	Client interface {
		// Complete sends a completion request and returns the full response.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks. Callers must close the Streamer. Providers
		// without streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns chunks until
	// io.EOF.
	Streamer interface {
		// Recv returns the next chunk.
		Recv() (Chunk, error)
		// Close releases the underlying stream.
		Close() error
	}

	// Request is a normalized model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System is the system prompt.
		System string
		// Messages is the ordered conversation history.
		Messages []Message
		// Tools are the tool definitions exposed for function calling.
		Tools []ToolDefinition
		// Temperature controls sampling randomness. Zero means provider
		// default.
		Temperature float64
		// MaxTokens caps completion length. Zero means provider default.
		MaxTokens int
	}

	// Message is one chat turn.
	Message struct {
		// Role is "user", "assistant" or "tool".
		Role string
		// Content is the message text.
		Content string
		// ToolCalls carries assistant-requested tool invocations.
		ToolCalls []ToolCall
		// ToolCallID links a tool-role message to the call it answers.
		ToolCallID string
	}

	// ToolDefinition describes a callable tool to the model.
	ToolDefinition struct {
		// Name is the identifier the model uses to invoke the tool.
		Name string
		// Description tells the model when to use the tool.
		Description string
		// InputSchema is the JSON schema of the arguments object.
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name is the requested tool.
		Name string
		// Args are the decoded arguments.
		Args map[string]any
	}

	// Response is a complete model answer.
	Response struct {
		// Content is the assistant text. Empty when the model only requested
		// tools.
		Content string
		// Thinking is accumulated reasoning output, when the provider
		// surfaces it.
		Thinking string
		// ToolCalls lists requested tool invocations.
		ToolCalls []ToolCall
		// Usage reports token consumption when the provider provides it.
		Usage Usage
		// StopReason is the provider-specific termination reason.
		StopReason string
	}

	// Chunk is one streaming event. Type selects the populated field.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text is the assistant text delta when Type is ChunkTypeText.
		Text string
		// Thinking is the reasoning delta when Type is ChunkTypeThinking.
		Thinking string
		// ToolCall is the completed invocation when Type is ChunkTypeToolCall.
		ToolCall *ToolCall
		// Usage is the usage delta when Type is ChunkTypeUsage.
		Usage *Usage
		// StopReason terminates the stream when Type is ChunkTypeStop.
		StopReason string
	}

	// Usage records token consumption.
	Usage struct {
		// InputTokens counts prompt tokens.
		InputTokens int
		// OutputTokens counts completion tokens.
		OutputTokens int
	}
)

// Chunk types.
const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrStreamingUnsupported indicates the provider cannot stream the
	// requested completion.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")
	// ErrRateLimited indicates the provider rejected the request for quota
	// reasons. Transient: callers retry with backoff.
	ErrRateLimited = errors.New("model: rate limited")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
