// Package inmem provides an in-memory checkpoint store for tests and
// development.
package inmem

import (
	"context"
	"sync"

	"goa.design/orbit/checkpoint"
)

// Store is an in-memory checkpoint.Store.
type Store struct {
	mu  sync.RWMutex
	cps map[string][]*checkpoint.Checkpoint // keyed by conversation ID, append order
}

// New returns an empty store.
func New() *Store {
	return &Store{cps: make(map[string][]*checkpoint.Checkpoint)}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.cps[cp.ConversationID] = append(s.cps[cp.ConversationID], &c)
	return nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(_ context.Context, conversationID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.cps[conversationID]
	if len(list) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	c := *list[len(list)-1]
	return &c, nil
}

// LatestForMessage implements checkpoint.Store.
func (s *Store) LatestForMessage(_ context.Context, conversationID, messageID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.cps[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].MessageID == messageID {
			c := *list[i]
			return &c, nil
		}
	}
	return nil, checkpoint.ErrNotFound
}

// DeleteByConversation implements checkpoint.Store.
func (s *Store) DeleteByConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, conversationID)
	return nil
}
