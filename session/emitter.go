// Package session implements one agent turn as a ReAct loop over the model
// client and tool executor, emitting execution events through a shared
// broker-first emit path. The processor is hosted inside workflow activities;
// it performs I/O freely and leaves determinism to the workflow layer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/orbit/broker"
	"goa.design/orbit/eventlog"
	"goa.design/orbit/telemetry"
)

type (
	// Envelope is the stream payload published per event. Durable events
	// carry the authoritative log sequence; stream-only deltas carry the
	// sequence of the last durable event as an anchor, so consumers can
	// deduplicate both against replay.
	Envelope struct {
		Type      eventlog.Type   `json:"type"`
		Data      json.RawMessage `json:"data"`
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"timestamp"`
	}

	// EmitterOptions configures an Emitter.
	EmitterOptions struct {
		// Log is the durable event log. Required.
		Log eventlog.Log
		// Broker carries the live stream. Required.
		Broker broker.Broker
		// Logger defaults to noop.
		Logger telemetry.Logger
		// PersistDeltas stores text_delta events durably instead of
		// stream-only. Off by default to reduce write amplification.
		PersistDeltas bool
	}

	// Emitter publishes events to the live stream and the durable log. Durable
	// events are appended first so their stream envelopes carry the
	// authoritative sequence; stream-only deltas are anchored at the last
	// durable sequence and never advance the counter. Safe for concurrent
	// use, though a turn emits from a single goroutine.
	Emitter struct {
		conversationID string
		log            eventlog.Log
		broker         broker.Broker
		logger         telemetry.Logger
		persistDeltas  bool

		mu  sync.Mutex
		seq int64
	}
)

// NewEmitter builds an emitter seeded from the conversation's last persisted
// sequence.
func NewEmitter(ctx context.Context, conversationID string, opts EmitterOptions) (*Emitter, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if opts.Log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	last, err := opts.Log.LastSequence(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load last sequence: %w", err)
	}
	return &Emitter{
		conversationID: conversationID,
		log:            opts.Log,
		broker:         opts.Broker,
		logger:         logger,
		persistDeltas:  opts.PersistDeltas,
		seq:            last,
	}, nil
}

// Seq returns the current local sequence counter.
func (e *Emitter) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Emit records the event and publishes it on the live stream. The message ID
// is injected into the payload so stream consumers can filter by turn.
// Durable events return their authoritative sequence; stream-only deltas
// return the anchor sequence they were published under.
func (e *Emitter) Emit(ctx context.Context, messageID string, typ eventlog.Type, data map[string]any) (int64, error) {
	if !typ.Valid() {
		return 0, eventlog.ErrInvalidType
	}
	if data == nil {
		data = map[string]any{}
	}
	data["message_id"] = messageID
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if typ == eventlog.TypeTextDelta && !e.persistDeltas {
		// Stream-only deltas anchor at the last durable sequence rather than
		// claiming the next one, which the log will assign to a durable
		// event. Consumers drop deltas anchored strictly below their replay
		// high-water mark and keep the ones anchored at it, since those
		// stream toward the next durable event.
		e.publish(ctx, typ, raw, e.seq)
		return e.seq, nil
	}

	ev, err := e.log.Append(ctx, e.conversationID, messageID, typ, raw)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	// Another writer on the same conversation may have advanced the log past
	// this emitter's view; never move the anchor backwards.
	if ev.Sequence > e.seq {
		e.seq = ev.Sequence
	}
	e.publish(ctx, typ, raw, ev.Sequence)
	return ev.Sequence, nil
}

// publish is best-effort: a stream failure must not lose the durable record.
func (e *Emitter) publish(ctx context.Context, typ eventlog.Type, data json.RawMessage, seq int64) {
	env, err := json.Marshal(Envelope{
		Type:      typ,
		Data:      data,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn(ctx, "marshal stream envelope failed", "conversation_id", e.conversationID, "type", string(typ), "error", err)
		return
	}
	if _, err := e.broker.Publish(ctx, broker.EventsKey(e.conversationID), env); err != nil {
		e.logger.Warn(ctx, "stream publish failed", "conversation_id", e.conversationID, "type", string(typ), "error", err)
	}
}

// messageIDOf extracts the message id a stream payload belongs to.
func messageIDOf(data json.RawMessage) string {
	var head struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(data, &head)
	return head.MessageID
}

// DecodeEnvelope parses a stream entry payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode stream envelope: %w", err)
	}
	return env, nil
}

// MessageID returns the turn the envelope belongs to.
func (env Envelope) MessageID() string {
	return messageIDOf(env.Data)
}
