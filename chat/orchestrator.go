package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/broker"
	"goa.design/orbit/checkpoint"
	"goa.design/orbit/engine"
	"goa.design/orbit/eventlog"
	"goa.design/orbit/model"
	"goa.design/orbit/session"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/workflow"
)

const (
	// DefaultHistoryLimit caps how many prior messages are replayed into the
	// model context.
	DefaultHistoryLimit = 50
	// defaultTailBlock is how long one tail read waits for new entries.
	defaultTailBlock = 2 * time.Second
)

type (
	// OrchestratorOptions configures an Orchestrator.
	OrchestratorOptions struct {
		// Conversations is the conversation store. Required.
		Conversations Store
		// Log is the durable event log. Required.
		Log eventlog.Log
		// Broker carries the live event stream. Required.
		Broker broker.Broker
		// Engine hosts the session workflows. Required.
		Engine engine.Engine
		// Checkpoints joins the delete cascade when set.
		Checkpoints checkpoint.Store
		// TaskQueue is the session workflow task queue.
		TaskQueue string
		// Mode tags the session workflow identifier. Defaults to "chat".
		Mode string
		// IdleTimeout is forwarded to the session workflow.
		IdleTimeout time.Duration
		// HistoryLimit caps replayed history. Defaults to
		// DefaultHistoryLimit.
		HistoryLimit int
		// TailBlock bounds one blocking tail read. Defaults to 2s.
		TailBlock time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Orchestrator turns user messages into durable agent turns. StreamChat
	// appends the user message, dispatches the turn to the session workflow,
	// and returns a stream that replays the turn's durable events before
	// tailing the live broker.
	Orchestrator struct {
		conversations Store
		log           eventlog.Log
		broker        broker.Broker
		engine        engine.Engine
		checkpoints   checkpoint.Store
		taskQueue     string
		mode          string
		idleTimeout   time.Duration
		historyLimit  int
		tailBlock     time.Duration
		logger        telemetry.Logger
	}

	// StreamRequest is one user turn.
	StreamRequest struct {
		// ConversationID identifies the conversation.
		ConversationID string
		// ProjectID must match the conversation's project.
		ProjectID string
		// UserID must match the conversation's owner.
		UserID string
		// Message is the user input.
		Message string
		// MaxSteps optionally overrides the per-turn step budget.
		MaxSteps int
	}
)

// NewOrchestrator validates opts and builds an orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.Log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = "chat"
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	tailBlock := opts.TailBlock
	if tailBlock <= 0 {
		tailBlock = defaultTailBlock
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Orchestrator{
		conversations: opts.Conversations,
		log:           opts.Log,
		broker:        opts.Broker,
		engine:        opts.Engine,
		checkpoints:   opts.Checkpoints,
		taskQueue:     opts.TaskQueue,
		mode:          mode,
		idleTimeout:   opts.IdleTimeout,
		historyLimit:  historyLimit,
		tailBlock:     tailBlock,
		logger:        logger,
	}, nil
}

// StreamChat runs one turn and returns the event stream for it. The caller
// owns the stream: it closes when the turn reaches a terminal event or ctx is
// cancelled. Authorization failures happen before any side effect.
func (o *Orchestrator) StreamChat(ctx context.Context, req StreamRequest) (<-chan session.Envelope, error) {
	conv, err := o.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.ProjectID != req.ProjectID || conv.UserID != req.UserID {
		return nil, ErrUnauthorized
	}
	if conv.Status != StatusActive {
		return nil, ErrArchived
	}

	messageID := uuid.NewString()
	emitter, err := session.NewEmitter(ctx, conv.ID, session.EmitterOptions{
		Log:    o.log,
		Broker: o.broker,
		Logger: o.logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := emitter.Emit(ctx, messageID, eventlog.TypeUserMessage, map[string]any{
		"role":    model.RoleUser,
		"content": req.Message,
	}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	if err := o.conversations.Touch(ctx, conv.ID); err != nil {
		o.logger.Warn(ctx, "conversation touch failed", "conversation_id", conv.ID, "error", err)
	}

	history, err := o.history(ctx, conv.ID, messageID)
	if err != nil {
		return nil, err
	}

	if err := o.dispatch(ctx, conv, messageID, req, history); err != nil {
		return nil, err
	}
	return o.ConnectChatStream(ctx, conv.ID, messageID)
}

// dispatch ensures the session workflow runs and sends it the turn without
// waiting for the result: the outcome arrives through the event stream.
func (o *Orchestrator) dispatch(ctx context.Context, conv *Conversation, messageID string, req StreamRequest, history []model.Message) error {
	input, err := json.Marshal(workflow.Input{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		ProjectID:      conv.ProjectID,
		Mode:           o.mode,
		IdleTimeout:    o.idleTimeout,
	})
	if err != nil {
		return fmt.Errorf("encode workflow input: %w", err)
	}
	workflowID := workflow.ID(conv.TenantID, conv.ProjectID, o.mode)
	if _, err := o.engine.GetOrStartWorkflow(ctx, engine.StartRequest{
		ID:        workflowID,
		Workflow:  workflow.Name,
		TaskQueue: o.taskQueue,
		Input:     input,
	}); err != nil {
		return fmt.Errorf("start session workflow: %w", err)
	}

	payload, err := json.Marshal(workflow.ChatRequest{
		MessageID:   messageID,
		UserMessage: req.Message,
		History:     history,
		MaxSteps:    req.MaxSteps,
	})
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}
	go func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workflow.DefaultTurnTimeout)
		defer cancel()
		if _, err := o.engine.UpdateWorkflow(uctx, engine.UpdateRequest{
			WorkflowID: workflowID,
			Name:       workflow.ChatUpdateName,
			Payload:    payload,
		}); err != nil {
			// The turn outcome reaches the client through the event stream;
			// the update result is only logged.
			o.logger.Warn(uctx, "chat update failed",
				"conversation_id", conv.ID, "message_id", messageID, "error", err)
		}
	}()
	return nil
}

// history rebuilds the model message history from the durable log, excluding
// the turn being started and keeping the most recent messages.
func (o *Orchestrator) history(ctx context.Context, conversationID, excludeMessageID string) ([]model.Message, error) {
	events, err := o.log.ListByConversation(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []model.Message
	for _, ev := range events {
		if ev.MessageID == excludeMessageID {
			continue
		}
		if ev.Type != eventlog.TypeUserMessage && ev.Type != eventlog.TypeAssistantMessage {
			continue
		}
		var data struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}
		history = append(history, model.Message{Role: data.Role, Content: data.Content})
	}
	if len(history) > o.historyLimit {
		history = history[len(history)-o.historyLimit:]
	}
	return history, nil
}

// ConnectChatStream returns the event stream for one turn: the durable events
// replayed in sequence order, then, if the turn is still running, the live
// broker tail until a terminal event. Reconnecting clients call this directly.
func (o *Orchestrator) ConnectChatStream(ctx context.Context, conversationID, messageID string) (<-chan session.Envelope, error) {
	ch := make(chan session.Envelope, 32)
	go o.consume(ctx, conversationID, messageID, ch)
	return ch, nil
}

func (o *Orchestrator) consume(ctx context.Context, conversationID, messageID string, ch chan<- session.Envelope) {
	defer close(ch)

	events, err := o.log.ListByMessage(ctx, conversationID, messageID)
	if err != nil {
		o.logger.Error(ctx, "event replay failed",
			"conversation_id", conversationID, "message_id", messageID, "error", err)
		return
	}

	var (
		lastSeq     int64
		sawTerminal bool
		replayed    = make([]session.Envelope, 0, len(events))
	)
	for _, ev := range events {
		replayed = append(replayed, session.Envelope{
			Type:      ev.Type,
			Data:      ev.Data,
			Seq:       ev.Sequence,
			Timestamp: ev.CreatedAt,
		})
		lastSeq = ev.Sequence
		if ev.Type.Terminal() {
			sawTerminal = true
		}
	}

	if sawTerminal {
		// The turn already finished: fold the retained stream-only deltas
		// back in by sequence so reconnecting clients can reconstruct the
		// streamed rendering, then stop.
		merged := o.mergeRetainedDeltas(ctx, conversationID, messageID, replayed)
		for _, env := range merged {
			if !send(ctx, ch, env) {
				return
			}
		}
		return
	}

	for _, env := range replayed {
		if !send(ctx, ch, env) {
			return
		}
	}
	o.tail(ctx, conversationID, messageID, lastSeq, ch)
}

// tail follows the live stream from the retained head, skipping entries
// already covered by the replay, until the turn's terminal event.
func (o *Orchestrator) tail(ctx context.Context, conversationID, messageID string, lastSeq int64, ch chan<- session.Envelope) {
	key := broker.EventsKey(conversationID)
	cursor := broker.FromStart
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := o.broker.Read(ctx, key, cursor, 64, o.tailBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn(ctx, "stream tail read failed", "conversation_id", conversationID, "error", err)
			continue
		}
		for _, entry := range entries {
			cursor = entry.ID
			env, err := session.DecodeEnvelope(entry.Payload)
			if err != nil {
				continue
			}
			if env.MessageID() != messageID {
				continue
			}
			// Deltas are anchored at the last durable sequence: an anchor
			// below the replay high-water mark is subsumed by a replayed
			// event, one at the mark streams toward the next durable event.
			if env.Type == eventlog.TypeTextDelta {
				if env.Seq < lastSeq {
					continue
				}
			} else if env.Seq <= lastSeq {
				continue
			}
			if !send(ctx, ch, env) {
				return
			}
			if env.Type.Terminal() {
				return
			}
		}
	}
}

// mergeRetainedDeltas interleaves the turn's still-retained text deltas with
// the replayed durable events. Durable events win sequence ties: a delta
// anchored at sequence k was streamed after the durable event at k and before
// the one at k+1, so the stable sort reconstructs the live ordering.
func (o *Orchestrator) mergeRetainedDeltas(ctx context.Context, conversationID, messageID string, replayed []session.Envelope) []session.Envelope {
	key := broker.EventsKey(conversationID)
	cursor := broker.FromStart
	var deltas []session.Envelope
	for {
		entries, err := o.broker.Read(ctx, key, cursor, 256, 0)
		if err != nil || len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			cursor = entry.ID
			env, err := session.DecodeEnvelope(entry.Payload)
			if err != nil {
				continue
			}
			if env.Type == eventlog.TypeTextDelta && env.MessageID() == messageID {
				deltas = append(deltas, env)
			}
		}
	}
	if len(deltas) == 0 {
		return replayed
	}
	merged := append(replayed, deltas...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Seq != merged[j].Seq {
			return merged[i].Seq < merged[j].Seq
		}
		return merged[i].Type != eventlog.TypeTextDelta && merged[j].Type == eventlog.TypeTextDelta
	})
	return merged
}

// DeleteConversation cascades: the workflow is cancelled, then checkpoints,
// then the event log, then the streams, and the conversation record last so a
// crash mid-cascade leaves a re-runnable delete.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	conv, err := o.conversations.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.conversations.SetStatus(ctx, id, StatusDeleted); err != nil {
		return err
	}

	workflowID := workflow.ID(conv.TenantID, conv.ProjectID, o.mode)
	if err := o.engine.CancelWorkflow(ctx, workflowID); err != nil && !errors.Is(err, engine.ErrWorkflowNotFound) {
		o.logger.Warn(ctx, "workflow cancel on delete failed", "conversation_id", id, "error", err)
	}

	if o.checkpoints != nil {
		if err := o.checkpoints.DeleteByConversation(ctx, id); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
	}
	if err := o.log.DeleteByConversation(ctx, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := o.broker.Delete(ctx, broker.EventsKey(id)); err != nil {
		o.logger.Warn(ctx, "event stream delete failed", "conversation_id", id, "error", err)
	}
	if err := o.broker.Delete(ctx, broker.HITLResponsesKey(id)); err != nil {
		o.logger.Warn(ctx, "hitl stream delete failed", "conversation_id", id, "error", err)
	}
	return o.conversations.Delete(ctx, id)
}

func send(ctx context.Context, ch chan<- session.Envelope, env session.Envelope) bool {
	select {
	case ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
