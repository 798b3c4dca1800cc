// Package inmem provides an in-memory pending-request store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/orbit/hitl"
)

// Store is an in-memory hitl.Store.
type Store struct {
	mu   sync.Mutex
	rows map[string]*hitl.Request
}

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[string]*hitl.Request)}
}

// Create implements hitl.Store.
func (s *Store) Create(ctx context.Context, req *hitl.Request) error {
	if req == nil || req.ID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.ID]; ok {
		return errors.New("duplicate request id")
	}
	cp := *req
	s.rows[req.ID] = &cp
	return nil
}

// Get implements hitl.Store.
func (s *Store) Get(ctx context.Context, requestID string) (*hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.rows[requestID]
	if !ok {
		return nil, hitl.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// ListByConversation implements hitl.Store.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hitl.Request
	for _, req := range s.rows {
		if req.ConversationID != conversationID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Delete implements hitl.Store.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, requestID)
	return nil
}
