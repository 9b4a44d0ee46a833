package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/risa-org/gateway/session"
)

// record is the JSON structure persisted to disk for each shard.
type record struct {
	Key   string        `json:"key"`
	State session.State `json:"state"`
}

// Store is a file-backed session.Store. Sessions are persisted to a JSON
// file and survive process restarts.
// Not suitable for several processes sharing one file; use the redis store for that.
type Store struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]session.State
}

// New creates a file-backed store at the given path.
// If the file exists, sessions are loaded from it on startup.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[string]session.State),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load sessions from %s: %w", path, err)
	}

	return s, nil
}

// Load returns the session stored under key from memory.
func (s *Store) Load(_ context.Context, key string) (session.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[key]
	return st, ok, nil
}

// Save stores the session in memory and flushes to disk.
func (s *Store) Save(_ context.Context, key string, st session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = st
	if err := s.flush(); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Delete removes a session from memory and flushes to disk.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return nil
	}
	delete(s.sessions, key)
	return s.flush()
}

// Count returns the number of sessions currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// load reads sessions from the JSON file into memory.
// Called once at startup. If the file doesn't exist, returns nil, an empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start, no file yet
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		s.sessions[r.Key] = r.State
	}
	return nil
}

// flush writes the current in-memory state to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	records := make([]record, 0, len(s.sessions))
	for key, st := range s.sessions {
		records = append(records, record{Key: key, State: st})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	// temp file then rename, so readers never see a partial file
	// prevents corrupt file if process crashes mid-write
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
