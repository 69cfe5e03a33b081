package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides an in-memory Store implementation for testing and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*Session{}}
}

func memoryKey(directory, id string) string {
	return directory + "\x00" + id
}

// Save inserts or replaces the session under its (directory, id) key.
func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.Directory == "" || session.ID == "" {
		return fmt.Errorf("session directory and id are required")
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[memoryKey(session.Directory, session.ID)] = session.Clone()
	return nil
}

// Load returns the session for (directory, id), or ErrNotFound.
func (m *MemoryStore) Load(ctx context.Context, directory, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[memoryKey(directory, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// List returns all sessions in a directory, most recently updated first.
func (m *MemoryStore) List(ctx context.Context, directory string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, session := range m.sessions {
		if session.Directory != directory {
			continue
		}
		summary := session.Clone()
		summary.Messages = nil
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (m *MemoryStore) Delete(ctx context.Context, directory, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, memoryKey(directory, id))
	return nil
}

// PruneOlderThan deletes sessions not updated since cutoff.
func (m *MemoryStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for key, session := range m.sessions {
		if session.UpdatedAt.Before(cutoff) {
			delete(m.sessions, key)
			pruned++
		}
	}
	return pruned, nil
}
