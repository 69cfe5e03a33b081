// Package conversation maintains agent message history and assembles
// token-budgeted context windows from it.
package conversation

import (
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// History is an append-only message log for one conversation.
// It is safe for concurrent use; readers always receive copies.
type History struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// NewHistoryFrom creates a history pre-populated with messages,
// typically when resuming a persisted session.
func NewHistoryFrom(messages []models.Message) *History {
	h := &History{}
	h.messages = append(h.messages, messages...)
	return h
}

// Append adds messages to the end of the history.
func (h *History) Append(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
}

// Messages returns a copy of all messages in chronological order.
func (h *History) Messages() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the history.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Last returns the most recent message and true, or a zero message and
// false when the history is empty.
func (h *History) Last() (models.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return models.Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}
