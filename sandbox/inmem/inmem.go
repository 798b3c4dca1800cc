// Package inmem provides an in-memory sandbox association store for tests
// and single-process deployments.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/orbit/sandbox"
)

// Store is an in-memory sandbox.Store keyed by project.
type Store struct {
	mu   sync.Mutex
	rows map[string]*sandbox.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[string]*sandbox.Record)}
}

// Create implements sandbox.Store.
func (s *Store) Create(ctx context.Context, rec *sandbox.Record) error {
	if rec == nil || rec.ProjectID == "" {
		return errors.New("project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.ProjectID]; ok {
		return sandbox.ErrConflict
	}
	cp := *rec
	s.rows[rec.ProjectID] = &cp
	return nil
}

// GetByProject implements sandbox.Store.
func (s *Store) GetByProject(ctx context.Context, projectID string) (*sandbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[projectID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Update implements sandbox.Store.
func (s *Store) Update(ctx context.Context, rec *sandbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.ProjectID]; !ok {
		return sandbox.ErrNotFound
	}
	cp := *rec
	s.rows[rec.ProjectID] = &cp
	return nil
}

// DeleteByProject implements sandbox.Store.
func (s *Store) DeleteByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, projectID)
	return nil
}

// List implements sandbox.Store.
func (s *Store) List(ctx context.Context) ([]*sandbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sandbox.Record, 0, len(s.rows))
	for _, rec := range s.rows {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}
