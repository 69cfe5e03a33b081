// Package session persists conversation state keyed by working directory
// and session ID, so an interrupted run can be resumed from where it left
// off in the same project.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrNotFound is returned when no session exists for a (directory, id) key.
var ErrNotFound = errors.New("session not found")

// Session is a persisted conversation. Two sessions with the same ID in
// different directories are distinct; resumption always scopes to the
// directory the engine runs in.
type Session struct {
	// Directory is the working directory the session belongs to.
	Directory string `json:"directory"`

	// ID identifies the session within its directory.
	ID string `json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages is the full conversation history in order.
	Messages []models.Message `json:"messages,omitempty"`

	// Metadata carries caller-defined annotations (title, model, tags).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if len(s.Messages) > 0 {
		clone.Messages = append([]models.Message(nil), s.Messages...)
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Store is the interface for session persistence.
type Store interface {
	// Save inserts or replaces the session under its (directory, id) key.
	Save(ctx context.Context, session *Session) error

	// Load returns the session for (directory, id), or ErrNotFound.
	Load(ctx context.Context, directory, id string) (*Session, error)

	// List returns summaries of all sessions in a directory, most recently
	// updated first. Message payloads are not loaded.
	List(ctx context.Context, directory string) ([]*Session, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, directory, id string) error

	// PruneOlderThan deletes sessions not updated since cutoff and reports
	// how many were removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
