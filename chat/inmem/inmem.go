// Package inmem provides the in-memory conversation store used in tests and
// development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/chat"
)

// Store is an in-memory chat.Store.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*chat.Conversation
}

// New returns an empty store.
func New() *Store {
	return &Store{convs: make(map[string]*chat.Conversation)}
}

// Create implements chat.Store.
func (s *Store) Create(_ context.Context, conv *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = chat.StatusActive
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	s.convs[conv.ID] = snapshot(conv)
	return nil
}

// Get implements chat.Store.
func (s *Store) Get(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return snapshot(conv), nil
}

// List implements chat.Store.
func (s *Store) List(_ context.Context, tenantID, projectID string) ([]*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*chat.Conversation
	for _, conv := range s.convs {
		if conv.TenantID == tenantID && conv.ProjectID == projectID {
			out = append(out, snapshot(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Touch implements chat.Store.
func (s *Store) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return chat.ErrNotFound
	}
	conv.MessageCount++
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus implements chat.Store.
func (s *Store) SetStatus(_ context.Context, id string, status chat.Status) error {
	if !status.Valid() {
		return fmt.Errorf("chat: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return chat.ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements chat.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return chat.ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

func snapshot(conv *chat.Conversation) *chat.Conversation {
	dup := *conv
	if conv.AgentConfig != nil {
		dup.AgentConfig = append([]byte(nil), conv.AgentConfig...)
	}
	return &dup
}
