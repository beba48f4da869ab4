// Package memory provides an in-memory document store for development and
// testing. Documents do not survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/stratomesh/stratomesh/internal/domain"
	"github.com/stratomesh/stratomesh/internal/store"
)

// Ensure Store implements store.DocumentStore
var _ store.DocumentStore = (*Store)(nil)

// Store holds documents in nested maps keyed by collection then id.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// New creates an empty in-memory document store.
func New() *Store {
	return &Store{
		data: make(map[string]map[string][]byte),
	}
}

// Put stores or replaces a document.
func (s *Store) Put(ctx context.Context, collection, id string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[collection] == nil {
		s.data[collection] = make(map[string][]byte)
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	s.data[collection][id] = stored
	return nil
}

// Get returns a document or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.data[collection][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

// Delete removes a document. Missing documents are not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[collection], id)
	return nil
}

// List returns every document in a collection.
func (s *Store) List(ctx context.Context, collection string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.data[collection]))
	for id, doc := range s.data[collection] {
		c := make([]byte, len(doc))
		copy(c, doc)
		out[id] = c
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
