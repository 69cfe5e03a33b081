package conversation

import (
	"sync"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestHistory_AppendAndMessages(t *testing.T) {
	h := NewHistory()
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}

	h.Append(models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	h.Append(
		models.Message{ID: "m2", Role: models.RoleAssistant, Content: "hello"},
		models.Message{ID: "m3", Role: models.RoleUser, Content: "bye"},
	)

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages() length = %d, want 3", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Errorf("Messages() order = [%s %s %s], want [m1 m2 m3]", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}

	// The returned slice is a copy; mutating it must not affect the history.
	msgs[0].Content = "mutated"
	if got := h.Messages()[0].Content; got != "hi" {
		t.Errorf("history content = %q after external mutation, want %q", got, "hi")
	}
}

func TestHistory_Last(t *testing.T) {
	h := NewHistory()
	if _, ok := h.Last(); ok {
		t.Error("Last() ok = true on empty history")
	}

	h.Append(models.Message{ID: "m1"}, models.Message{ID: "m2"})
	last, ok := h.Last()
	if !ok || last.ID != "m2" {
		t.Errorf("Last() = %v/%v, want m2/true", last.ID, ok)
	}
}

func TestNewHistoryFrom(t *testing.T) {
	seed := []models.Message{{ID: "a"}, {ID: "b"}}
	h := NewHistoryFrom(seed)

	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}

	// The seed slice must not alias the internal storage.
	seed[0].ID = "mutated"
	if got := h.Messages()[0].ID; got != "a" {
		t.Errorf("history ID = %q after seed mutation, want %q", got, "a")
	}
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := NewHistory()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Append(models.Message{Role: models.RoleUser, Content: "x"})
			}
		}()
	}
	wg.Wait()

	if h.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", h.Len())
	}
}
