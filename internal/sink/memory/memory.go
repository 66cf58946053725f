// Package memory provides in-memory sink and cursor store
// implementations, used in tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tagpipe/hashtag-importer/internal/importer"
)

// Store keeps entities in a map guarded by a mutex. It mirrors the
// durable sinks' redelivery semantics via an applied-batch set.
type Store struct {
	mu       sync.Mutex
	entities map[string]importer.Entity
	applied  map[string]struct{}
	writes   int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities: make(map[string]importer.Entity),
		applied:  make(map[string]struct{}),
	}
}

// Write applies a batch, skipping batches whose ledger key was already applied.
func (s *Store) Write(_ context.Context, batch importer.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batch.LedgerKey()
	if _, done := s.applied[key]; done {
		return nil
	}
	s.applied[key] = struct{}{}
	s.writes++

	for _, e := range batch.Entities {
		existing, ok := s.entities[e.CanonicalTag]
		if !ok {
			s.entities[e.CanonicalTag] = e
			continue
		}
		existing.Metric += e.Metric
		if e.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = e.FirstSeen
		}
		if e.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = e.LastSeen
		}
		s.entities[e.CanonicalTag] = existing
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Get returns the stored entity for tag, or false when absent.
func (s *Store) Get(tag string) (importer.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[tag]
	return e, ok
}

// Len returns the number of distinct stored tags.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Writes returns the number of batches actually applied.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// CursorStore keeps the cursor in memory with the same version rules
// as the durable stores.
type CursorStore struct {
	mu     sync.Mutex
	cursor importer.Cursor
	saved  bool
}

// NewCursorStore creates a cursor store holding the start cursor.
func NewCursorStore() *CursorStore {
	return &CursorStore{}
}

// Load returns the last saved cursor, or the start cursor.
func (c *CursorStore) Load(context.Context) (importer.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.saved {
		return importer.StartCursor(), nil
	}
	return c.cursor, nil
}

// Save persists the cursor, accepting a re-save of the stored version
// or an advance by exactly one.
func (c *CursorStore) Save(_ context.Context, cursor importer.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved && cursor.Version != c.cursor.Version && cursor.Version != c.cursor.Version+1 {
		return fmt.Errorf("save cursor at version %d: %w", cursor.Version, importer.ErrStaleCursor)
	}
	c.cursor = cursor
	c.saved = true
	return nil
}
