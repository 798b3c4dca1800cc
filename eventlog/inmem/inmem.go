// Package inmem provides an in-memory event log for tests and development.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/eventlog"
)

// Log is an in-memory eventlog.Log. Sequence allocation is serialised with a
// per-conversation mutex so concurrent appends observe dense sequences.
type Log struct {
	mu    sync.Mutex
	convs map[string]*conversationLog
}

type conversationLog struct {
	mu     sync.Mutex
	events []eventlog.Event
}

// New returns an empty in-memory log.
func New() *Log {
	return &Log{convs: make(map[string]*conversationLog)}
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, conversationID, messageID string, typ eventlog.Type, data json.RawMessage) (eventlog.Event, error) {
	if !typ.Valid() {
		return eventlog.Event{}, eventlog.ErrInvalidType
	}
	if err := ctx.Err(); err != nil {
		return eventlog.Event{}, err
	}
	cl := l.conversation(conversationID)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	evt := eventlog.Event{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Sequence:       int64(len(cl.events)) + 1,
		Type:           typ,
		Data:           append(json.RawMessage(nil), data...),
		CreatedAt:      time.Now().UTC(),
	}
	cl.events = append(cl.events, evt)
	return evt, nil
}

// ListByConversation implements eventlog.Log.
func (l *Log) ListByConversation(ctx context.Context, conversationID string, sinceSeq int64) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl := l.conversation(conversationID)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var out []eventlog.Event
	for _, evt := range cl.events {
		if evt.Sequence > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ListByMessage implements eventlog.Log.
func (l *Log) ListByMessage(ctx context.Context, conversationID, messageID string) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl := l.conversation(conversationID)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var out []eventlog.Event
	for _, evt := range cl.events {
		if evt.MessageID == messageID {
			out = append(out, evt)
		}
	}
	return out, nil
}

// LastSequence implements eventlog.Log.
func (l *Log) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cl := l.conversation(conversationID)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return int64(len(cl.events)), nil
}

// DeleteByConversation implements eventlog.Log.
func (l *Log) DeleteByConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.convs, conversationID)
	return nil
}

func (l *Log) conversation(id string) *conversationLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.convs[id]
	if !ok {
		cl = &conversationLog{}
		l.convs[id] = cl
	}
	return cl
}
