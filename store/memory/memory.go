package memory

import (
	"context"
	"sync"

	"github.com/risa-org/gateway/session"
)

// Store is a thread-safe in-memory session.Store.
// Suitable for tests and for several engines in one process.
// Saved sessions are lost when the process exits.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.State
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.State),
	}
}

// Load returns the session saved under key.
func (s *Store) Load(_ context.Context, key string) (session.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[key]
	return st, ok, nil
}

// Save replaces the session stored under key.
func (s *Store) Save(_ context.Context, key string, st session.State) error {
	s.mu.Lock()
	s.sessions[key] = st
	s.mu.Unlock()
	return nil
}

// Delete removes a session. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

// Count returns the number of sessions currently in the store.
// Useful for observability and testing.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
