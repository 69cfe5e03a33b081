package session

import (
	"context"
	"fmt"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/conversation"
)

// Resume loads the session for (directory, id) and reconstructs its
// conversation history. A non-nil emitter gets a session.resumed event with
// the replayed message count.
func Resume(ctx context.Context, store Store, emitter *agent.EventEmitter, directory, id string) (*Session, *conversation.History, error) {
	session, err := store.Load(ctx, directory, id)
	if err != nil {
		return nil, nil, err
	}

	history := conversation.NewHistoryFrom(session.Messages)
	if emitter != nil {
		emitter.SessionResumed(ctx, directory, id, history.Len())
	}
	return session, history, nil
}

// SaveHistory snapshots the history into the session and persists it. A
// non-nil emitter gets a session.saved event. Called after each completed
// turn so a crash loses at most the turn in flight.
func SaveHistory(ctx context.Context, store Store, emitter *agent.EventEmitter, session *Session, history *conversation.History) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if history != nil {
		session.Messages = history.Messages()
	}

	if err := store.Save(ctx, session); err != nil {
		return err
	}
	if emitter != nil {
		emitter.SessionSaved(ctx, session.Directory, session.ID, len(session.Messages))
	}
	return nil
}
