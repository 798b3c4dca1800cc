package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/broker"
	"goa.design/orbit/checkpoint"
	"goa.design/orbit/eventlog"
	"goa.design/orbit/model"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

const (
	// DefaultMaxSteps bounds the number of reasoning steps in one turn.
	DefaultMaxSteps = 20
	// DefaultDoomThreshold is how many identical tool calls are tolerated
	// before the turn is aborted as a loop.
	DefaultDoomThreshold = 3
	// DefaultCompactTokenLimit is the soft prompt-size cap above which the
	// history is compacted once per turn.
	DefaultCompactTokenLimit = 100_000
	// modelRetryAttempts is how many times a transient model failure is
	// retried within one step.
	modelRetryAttempts = 3
	// compactKeepRecent is how many trailing messages survive compaction
	// verbatim.
	compactKeepRecent = 4
)

type (
	// Options configures a Processor.
	Options struct {
		// Model is the LLM client. Required.
		Model model.Client
		// Executor runs tool calls. Required.
		Executor *tools.Executor
		// Log is the durable event log. Required.
		Log eventlog.Log
		// Broker carries the live event stream. Required.
		Broker broker.Broker
		// Checkpoints persists turn state. Required.
		Checkpoints checkpoint.Store
		// ModelName selects the model for requests and the tokenizer for
		// prompt-size estimates. Required.
		ModelName string
		// SystemPrompt is prepended to every request.
		SystemPrompt string
		// Temperature is forwarded to the model. Zero means provider default.
		Temperature float64
		// MaxTokens caps completion length per model call.
		MaxTokens int
		// MaxSteps bounds reasoning steps per turn. Defaults to
		// DefaultMaxSteps.
		MaxSteps int
		// DoomThreshold aborts the turn when the same tool call repeats more
		// than this many times. Defaults to DefaultDoomThreshold.
		DoomThreshold int
		// CompactTokenLimit triggers one history compaction per turn when the
		// estimated prompt size exceeds it. Defaults to
		// DefaultCompactTokenLimit.
		CompactTokenLimit int
		// PromptTokenCost is the per-token prompt price used for cost
		// reporting.
		PromptTokenCost float64
		// CompletionTokenCost is the per-token completion price.
		CompletionTokenCost float64
		// PersistDeltas stores text_delta events durably.
		PersistDeltas bool
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Processor runs one agent turn as a ReAct loop: call the model, execute
	// the tool calls it requests, feed results back, repeat until the model
	// answers without tools or a bound trips. Tool failures are observations;
	// model exhaustion, loops, step limits, cancellation and event log
	// failures end the turn with an error event.
	Processor struct {
		model       model.Client
		executor    *tools.Executor
		log         eventlog.Log
		broker      broker.Broker
		checkpoints checkpoint.Store
		logger      telemetry.Logger
		counter     *tokenCounter

		modelName           string
		systemPrompt        string
		temperature         float64
		maxTokens           int
		maxSteps            int
		doomThreshold       int
		compactTokenLimit   int
		promptTokenCost     float64
		completionTokenCost float64
		persistDeltas       bool
	}

	// TurnInput describes one user turn.
	TurnInput struct {
		// ConversationID identifies the conversation.
		ConversationID string
		// MessageID identifies this turn. All events the turn emits carry it.
		MessageID string
		// ProjectID identifies the project whose sandbox serves tool calls.
		ProjectID string
		// TenantID identifies the tenant.
		TenantID string
		// UserMessage is the new user input.
		UserMessage string
		// History is the prior conversation, oldest first, excluding
		// UserMessage.
		History []model.Message
		// Tools are the tool definitions exposed to the model for this turn.
		Tools []model.ToolDefinition
		// MaxSteps optionally overrides the processor default for this turn.
		MaxSteps int
	}

	// TurnOutput is the terminal outcome of a turn.
	TurnOutput struct {
		// Content is the final assistant text, or the error message when
		// IsError is set.
		Content string `json:"content"`
		// IsError marks a turn that ended with an error event.
		IsError bool `json:"is_error"`
	}

	// stepResult is one model call's accumulated output.
	stepResult struct {
		content    string
		thinking   string
		toolCalls  []model.ToolCall
		usage      model.Usage
		stopReason string
	}

	checkpointState struct {
		Step     int             `json:"step"`
		Messages []model.Message `json:"messages"`
	}

	// appendError marks a turn event that could not be durably recorded. A
	// turn whose events cannot be appended must stop: continuing would leave
	// a log that replays differently from what the client streamed.
	appendError struct {
		typ eventlog.Type
		err error
	}
)

func (e *appendError) Error() string { return fmt.Sprintf("record %s event: %s", e.typ, e.err) }

func (e *appendError) Unwrap() error { return e.err }

// NewProcessor validates opts and builds a processor.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if opts.Log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	counter, err := newTokenCounter(opts.ModelName)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	doom := opts.DoomThreshold
	if doom <= 0 {
		doom = DefaultDoomThreshold
	}
	compactLimit := opts.CompactTokenLimit
	if compactLimit <= 0 {
		compactLimit = DefaultCompactTokenLimit
	}
	return &Processor{
		model:               opts.Model,
		executor:            opts.Executor,
		log:                 opts.Log,
		broker:              opts.Broker,
		checkpoints:         opts.Checkpoints,
		logger:              logger,
		counter:             counter,
		modelName:           opts.ModelName,
		systemPrompt:        opts.SystemPrompt,
		temperature:         opts.Temperature,
		maxTokens:           opts.MaxTokens,
		maxSteps:            maxSteps,
		doomThreshold:       doom,
		compactTokenLimit:   compactLimit,
		promptTokenCost:     opts.PromptTokenCost,
		completionTokenCost: opts.CompletionTokenCost,
		persistDeltas:       opts.PersistDeltas,
	}, nil
}

// RunTurn executes one turn to completion. The returned error is reserved for
// infrastructure failures (event log unavailable); everything the model or
// tools do wrong ends in a TurnOutput with IsError set and an error event on
// the log.
func (p *Processor) RunTurn(ctx context.Context, input TurnInput) (TurnOutput, error) {
	if input.ConversationID == "" || input.MessageID == "" {
		return TurnOutput{}, errors.New("conversation and message ids are required")
	}
	emitter, err := NewEmitter(ctx, input.ConversationID, EmitterOptions{
		Log:           p.log,
		Broker:        p.broker,
		Logger:        p.logger,
		PersistDeltas: p.persistDeltas,
	})
	if err != nil {
		return TurnOutput{}, err
	}

	maxSteps := p.maxSteps
	if input.MaxSteps > 0 {
		maxSteps = input.MaxSteps
	}

	messages := append(append([]model.Message{}, input.History...), model.Message{
		Role:    model.RoleUser,
		Content: input.UserMessage,
	})

	var (
		turnUsage model.Usage
		doomSeen  = make(map[string]int)
		compacted bool
	)

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return p.failTurn(ctx, emitter, input, step, "turn cancelled", "cancelled")
		}
		if step > maxSteps {
			return p.failTurn(ctx, emitter, input, step,
				fmt.Sprintf("turn exceeded %d steps without completing", maxSteps), "max_steps")
		}

		if !compacted && p.counter.countMessages(p.systemPrompt, messages) > p.compactTokenLimit {
			messages = p.compact(ctx, emitter, input, messages)
			compacted = true
		}

		res, err := p.callModel(ctx, emitter, input, messages)
		if err != nil {
			if ctx.Err() != nil {
				return p.failTurn(ctx, emitter, input, step, "turn cancelled", "cancelled")
			}
			var aerr *appendError
			if errors.As(err, &aerr) {
				return p.abortTurn(ctx, emitter, input, step, err)
			}
			return p.failTurn(ctx, emitter, input, step,
				fmt.Sprintf("model call failed: %s", err), "model_error")
		}

		turnUsage.InputTokens += res.usage.InputTokens
		turnUsage.OutputTokens += res.usage.OutputTokens
		if err := p.emitCost(ctx, emitter, input.MessageID, turnUsage); err != nil {
			return p.abortTurn(ctx, emitter, input, step, err)
		}

		if len(res.toolCalls) == 0 {
			return p.completeTurn(ctx, emitter, input, step, messages, res.content)
		}

		messages = append(messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   res.content,
			ToolCalls: res.toolCalls,
		})

		for _, tc := range res.toolCalls {
			key := callFingerprint(tc)
			doomSeen[key]++
			if doomSeen[key] > p.doomThreshold {
				return p.failTurn(ctx, emitter, input, step,
					fmt.Sprintf("tool %q called %d times with identical arguments", tc.Name, doomSeen[key]), "doom_loop")
			}

			callID := tc.ID
			if callID == "" {
				callID = uuid.NewString()
			}
			if err := p.emit(ctx, emitter, input.MessageID, eventlog.TypeAct, map[string]any{
				"tool_name":  tc.Name,
				"tool_input": tc.Args,
				"call_id":    callID,
				"status":     "running",
			}); err != nil {
				return p.abortTurn(ctx, emitter, input, step, err)
			}

			started := time.Now()
			result := p.executor.Execute(ctx, tools.Call{
				ID:             callID,
				ConversationID: input.ConversationID,
				MessageID:      input.MessageID,
				ProjectID:      input.ProjectID,
				TenantID:       input.TenantID,
				Name:           tc.Name,
				Args:           tc.Args,
			})
			elapsed := time.Since(started)

			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    result.Content,
				ToolCallID: callID,
			})

			observe := map[string]any{
				"tool_name":   tc.Name,
				"call_id":     callID,
				"duration_ms": elapsed.Milliseconds(),
			}
			if result.IsError {
				observe["status"] = "error"
				observe["error"] = result.Content
			} else {
				observe["status"] = "success"
				observe["result"] = result.Content
			}
			if err := p.emit(ctx, emitter, input.MessageID, eventlog.TypeObserve, observe); err != nil {
				return p.abortTurn(ctx, emitter, input, step, err)
			}
		}

		p.saveCheckpoint(ctx, input, checkpoint.KindProgress, step, messages)
		if err := p.emit(ctx, emitter, input.MessageID, eventlog.TypeCheckpoint, map[string]any{
			"kind": string(checkpoint.KindProgress),
			"step": step,
		}); err != nil {
			return p.abortTurn(ctx, emitter, input, step, err)
		}
	}
}

// callModel streams one completion, retrying transient failures with
// exponential backoff. Providers without streaming fall back to a single
// completion whose content is replayed as one delta so stream consumers see a
// uniform shape.
func (p *Processor) callModel(ctx context.Context, emitter *Emitter, input TurnInput, messages []model.Message) (stepResult, error) {
	req := model.Request{
		Model:       p.modelName,
		System:      p.systemPrompt,
		Messages:    messages,
		Tools:       input.Tools,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < modelRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return stepResult{}, ctx.Err()
			}
		}

		res, err := p.streamOnce(ctx, emitter, input.MessageID, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, model.ErrStreamingUnsupported) {
			return p.completeOnce(ctx, emitter, input.MessageID, req)
		}
		lastErr = err
		if !model.Transient(err) || ctx.Err() != nil {
			return stepResult{}, err
		}
		p.logger.Warn(ctx, "model call failed, retrying",
			"conversation_id", input.ConversationID, "attempt", attempt+1, "error", err)
	}
	return stepResult{}, lastErr
}

func (p *Processor) streamOnce(ctx context.Context, emitter *Emitter, messageID string, req model.Request) (stepResult, error) {
	stream, err := p.model.Stream(ctx, req)
	if err != nil {
		return stepResult{}, err
	}
	defer stream.Close()

	var (
		res      stepResult
		content  strings.Builder
		thinking strings.Builder
	)
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return stepResult{}, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			content.WriteString(chunk.Text)
			if err := p.emit(ctx, emitter, messageID, eventlog.TypeTextDelta, map[string]any{
				"delta": chunk.Text,
			}); err != nil {
				return stepResult{}, err
			}
		case model.ChunkTypeThinking:
			thinking.WriteString(chunk.Thinking)
			if err := p.emit(ctx, emitter, messageID, eventlog.TypeThought, map[string]any{
				"content":       chunk.Thinking,
				"thought_level": "work",
			}); err != nil {
				return stepResult{}, err
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				res.toolCalls = append(res.toolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.Usage != nil {
				res.usage.InputTokens += chunk.Usage.InputTokens
				res.usage.OutputTokens += chunk.Usage.OutputTokens
			}
		case model.ChunkTypeStop:
			res.stopReason = chunk.StopReason
		}
	}
	res.content = content.String()
	res.thinking = thinking.String()
	return res, nil
}

func (p *Processor) completeOnce(ctx context.Context, emitter *Emitter, messageID string, req model.Request) (stepResult, error) {
	var lastErr error
	for attempt := 0; attempt < modelRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return stepResult{}, ctx.Err()
			}
		}
		resp, err := p.model.Complete(ctx, req)
		if err != nil {
			lastErr = err
			if !model.Transient(err) || ctx.Err() != nil {
				return stepResult{}, err
			}
			continue
		}
		if resp.Content != "" {
			if err := p.emit(ctx, emitter, messageID, eventlog.TypeTextDelta, map[string]any{
				"delta": resp.Content,
			}); err != nil {
				return stepResult{}, err
			}
		}
		if resp.Thinking != "" {
			if err := p.emit(ctx, emitter, messageID, eventlog.TypeThought, map[string]any{
				"content":       resp.Thinking,
				"thought_level": "work",
			}); err != nil {
				return stepResult{}, err
			}
		}
		return stepResult{
			content:    resp.Content,
			thinking:   resp.Thinking,
			toolCalls:  resp.ToolCalls,
			usage:      resp.Usage,
			stopReason: resp.StopReason,
		}, nil
	}
	return stepResult{}, lastErr
}

// compact folds the older history into a model-written summary, keeping the
// most recent messages verbatim. Runs at most once per turn; a failed summary
// leaves the history untouched.
func (p *Processor) compact(ctx context.Context, emitter *Emitter, input TurnInput, messages []model.Message) []model.Message {
	if len(messages) <= compactKeepRecent {
		return messages
	}
	cut := len(messages) - compactKeepRecent
	// Never split an assistant message from the tool results that answer it.
	for cut < len(messages) && messages[cut].Role == model.RoleTool {
		cut++
	}
	if cut == 0 || cut >= len(messages) {
		return messages
	}

	var transcript strings.Builder
	for _, m := range messages[:cut] {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	resp, err := p.model.Complete(ctx, model.Request{
		Model:  p.modelName,
		System: "Summarize the conversation so far, preserving decisions, open tasks, file paths and tool outcomes. Be concise.",
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: transcript.String(),
		}},
		MaxTokens: p.maxTokens,
	})
	if err != nil || resp.Content == "" {
		p.logger.Warn(ctx, "history compaction failed",
			"conversation_id", input.ConversationID, "error", err)
		return messages
	}

	p.emitInfo(ctx, emitter, input.MessageID, eventlog.TypeThought, map[string]any{
		"content":       fmt.Sprintf("compacted %d earlier messages into a summary", cut),
		"thought_level": "debug",
	})

	compacted := make([]model.Message, 0, len(messages)-cut+1)
	compacted = append(compacted, model.Message{
		Role:    model.RoleUser,
		Content: "Summary of the earlier conversation:\n" + resp.Content,
	})
	return append(compacted, messages[cut:]...)
}

func (p *Processor) completeTurn(ctx context.Context, emitter *Emitter, input TurnInput, step int, messages []model.Message, content string) (TurnOutput, error) {
	if err := p.emit(ctx, emitter, input.MessageID, eventlog.TypeAssistantMessage, map[string]any{
		"role":    model.RoleAssistant,
		"content": content,
	}); err != nil {
		return p.abortTurn(ctx, emitter, input, step, err)
	}
	if err := p.emit(ctx, emitter, input.MessageID, eventlog.TypeComplete, map[string]any{
		"content": content,
	}); err != nil {
		return p.abortTurn(ctx, emitter, input, step, err)
	}
	messages = append(messages, model.Message{Role: model.RoleAssistant, Content: content})
	p.saveCheckpoint(ctx, input, checkpoint.KindComplete, step, messages)
	return TurnOutput{Content: content}, nil
}

func (p *Processor) failTurn(ctx context.Context, emitter *Emitter, input TurnInput, step int, message, code string) (TurnOutput, error) {
	// Cancellation must not stop the terminal event from being recorded.
	ectx := context.WithoutCancel(ctx)
	err := p.emit(ectx, emitter, input.MessageID, eventlog.TypeError, map[string]any{
		"message": message,
		"code":    code,
	})
	p.saveCheckpoint(ectx, input, checkpoint.KindError, step, nil)
	if err != nil {
		p.logger.Error(ectx, "terminal error event lost",
			"conversation_id", input.ConversationID, "message_id", input.MessageID, "error", err)
		return TurnOutput{Content: message, IsError: true}, err
	}
	return TurnOutput{Content: message, IsError: true}, nil
}

// abortTurn ends the turn after a durable append failure. The terminal error
// event is attempted best-effort and the failure is returned so the hosting
// activity can retry the turn.
func (p *Processor) abortTurn(ctx context.Context, emitter *Emitter, input TurnInput, step int, cause error) (TurnOutput, error) {
	ectx := context.WithoutCancel(ctx)
	if err := p.emit(ectx, emitter, input.MessageID, eventlog.TypeError, map[string]any{
		"message": "the event log is unavailable",
		"code":    "event_log_failed",
	}); err != nil {
		p.logger.Error(ectx, "terminal error event lost",
			"conversation_id", input.ConversationID, "message_id", input.MessageID, "error", err)
	}
	p.saveCheckpoint(ectx, input, checkpoint.KindError, step, nil)
	return TurnOutput{Content: cause.Error(), IsError: true}, cause
}

func (p *Processor) emit(ctx context.Context, emitter *Emitter, messageID string, typ eventlog.Type, data map[string]any) error {
	if _, err := emitter.Emit(ctx, messageID, typ, data); err != nil {
		return &appendError{typ: typ, err: err}
	}
	return nil
}

// emitInfo records an advisory event best-effort: losing it does not change
// what a replay of the turn means.
func (p *Processor) emitInfo(ctx context.Context, emitter *Emitter, messageID string, typ eventlog.Type, data map[string]any) {
	if err := p.emit(ctx, emitter, messageID, typ, data); err != nil {
		p.logger.Warn(ctx, "event emit failed", "type", string(typ), "error", err)
	}
}

func (p *Processor) emitCost(ctx context.Context, emitter *Emitter, messageID string, usage model.Usage) error {
	cost := float64(usage.InputTokens)*p.promptTokenCost + float64(usage.OutputTokens)*p.completionTokenCost
	return p.emit(ctx, emitter, messageID, eventlog.TypeCostUpdate, map[string]any{
		"cost": cost,
		"tokens": map[string]any{
			"prompt":     usage.InputTokens,
			"completion": usage.OutputTokens,
			"total":      usage.InputTokens + usage.OutputTokens,
		},
	})
}

func (p *Processor) saveCheckpoint(ctx context.Context, input TurnInput, kind checkpoint.Kind, step int, messages []model.Message) {
	state, err := json.Marshal(checkpointState{Step: step, Messages: messages})
	if err != nil {
		p.logger.Error(ctx, "marshal checkpoint state failed", "conversation_id", input.ConversationID, "error", err)
		return
	}
	err = p.checkpoints.Save(ctx, &checkpoint.Checkpoint{
		ConversationID: input.ConversationID,
		MessageID:      input.MessageID,
		Kind:           kind,
		State:          state,
	})
	if err != nil {
		p.logger.Error(ctx, "save checkpoint failed", "conversation_id", input.ConversationID, "error", err)
	}
}

// callFingerprint identifies a tool call by name and canonical arguments.
// encoding/json marshals map keys in sorted order, which makes the digest
// stable across repeats.
func callFingerprint(tc model.ToolCall) string {
	args, _ := json.Marshal(tc.Args)
	sum := sha256.Sum256(append(append([]byte(tc.Name), 0), args...))
	return hex.EncodeToString(sum[:])
}
