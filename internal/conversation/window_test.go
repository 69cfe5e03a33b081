package conversation

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

// contentEstimator charges one token per content byte and ignores roles,
// keeping budget arithmetic in tests exact.
type contentEstimator struct{}

func (contentEstimator) Estimate(text string) int { return len(text) }

func (contentEstimator) EstimateMessage(msg models.Message) int {
	total := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += len(tc.Input)
	}
	for _, tr := range msg.ToolResults {
		total += len(tr.Content)
	}
	return total
}

func userMsg(id string, size int) models.Message {
	return models.Message{ID: id, Role: models.RoleUser, Content: strings.Repeat("x", size)}
}

func requestMsg(id, callID string, size int) models.Message {
	return models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: callID, Name: "search", Input: json.RawMessage(strings.Repeat("y", size))}},
	}
}

func resultMsg(id, callID string, size int) models.Message {
	return models.Message{
		ID:          id,
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{{ToolCallID: callID, Content: strings.Repeat("z", size)}},
	}
}

func flatBudget(maxTokens int) TokenBudget {
	return TokenBudget{MaxTokens: maxTokens}
}

func windowIDs(window []models.Message) []string {
	ids := make([]string, len(window))
	for i, m := range window {
		ids[i] = m.ID
	}
	return ids
}

func TestSelectWindow_EmptyHistory(t *testing.T) {
	window, usage := SelectWindow(nil, NewBudget(1000), nil)
	if window != nil {
		t.Errorf("window = %v, want nil", window)
	}
	if usage.TotalMessages != 0 || usage.ContextMessages != 0 || usage.ContextTokens != 0 {
		t.Errorf("usage = %+v, want zeroes", usage)
	}
}

func TestSelectWindow_AllFit(t *testing.T) {
	history := []models.Message{
		userMsg("m1", 10),
		userMsg("m2", 10),
		userMsg("m3", 10),
	}

	window, usage := SelectWindow(history, flatBudget(100), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("window = %v, want [m1 m2 m3]", got)
	}
	if usage.ContextTokens != 30 {
		t.Errorf("ContextTokens = %d, want 30", usage.ContextTokens)
	}
	if usage.ContextMessages != 3 || usage.TotalMessages != 3 {
		t.Errorf("usage counts = %+v, want 3/3", usage)
	}
	if usage.OverBudget {
		t.Error("OverBudget = true, want false")
	}
	if usage.UsagePercentage != 30 {
		t.Errorf("UsagePercentage = %v, want 30", usage.UsagePercentage)
	}
}

func TestSelectWindow_DropsOldestFirst(t *testing.T) {
	history := []models.Message{
		userMsg("old", 10),
		userMsg("mid", 10),
		userMsg("new", 10),
	}

	window, usage := SelectWindow(history, flatBudget(25), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"mid", "new"}) {
		t.Errorf("window = %v, want [mid new]", got)
	}
	if usage.ContextMessages != 2 {
		t.Errorf("ContextMessages = %d, want 2", usage.ContextMessages)
	}
	if usage.OverBudget {
		t.Error("OverBudget = true, want false")
	}
}

func TestSelectWindow_StopsAtFirstNonFit(t *testing.T) {
	// The small oldest message would fit, but selection stops at the big
	// message rather than skipping around it.
	history := []models.Message{
		userMsg("small", 5),
		userMsg("big", 20),
		userMsg("new", 5),
	}

	window, _ := SelectWindow(history, flatBudget(12), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("window = %v, want [new]", got)
	}
}

func TestSelectWindow_NewestNeverDropped(t *testing.T) {
	history := []models.Message{
		userMsg("old", 5),
		userMsg("huge", 500),
	}

	window, usage := SelectWindow(history, flatBudget(50), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"huge"}) {
		t.Errorf("window = %v, want [huge]", got)
	}
	if !usage.OverBudget {
		t.Error("OverBudget = false, want true")
	}
	if usage.ContextTokens != 500 {
		t.Errorf("ContextTokens = %d, want 500", usage.ContextTokens)
	}
}

func TestSelectWindow_PairDropsJointly(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 10),
		requestMsg("req", "tc-1", 10),
		resultMsg("res", "tc-1", 10),
		userMsg("u2", 10),
	}

	// Budget fits the newest message plus one more 10-token message, but
	// not the 20-token request/result pair. The pair must drop jointly and
	// selection stops there.
	window, _ := SelectWindow(history, flatBudget(25), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"u2"}) {
		t.Errorf("window = %v, want [u2]", got)
	}
}

func TestSelectWindow_PairKeptJointly(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 10),
		requestMsg("req", "tc-1", 10),
		resultMsg("res", "tc-1", 10),
		userMsg("u2", 10),
	}

	window, usage := SelectWindow(history, flatBudget(35), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"req", "res", "u2"}) {
		t.Errorf("window = %v, want [req res u2]", got)
	}
	if usage.ContextTokens != 30 {
		t.Errorf("ContextTokens = %d, want 30", usage.ContextTokens)
	}
}

func TestSelectWindow_NewestResultCarriesRequest(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 10),
		requestMsg("req", "tc-1", 10),
		resultMsg("res", "tc-1", 10),
	}

	// Even with a budget too small for the pair, the newest message is a
	// tool result and must arrive with its request.
	window, usage := SelectWindow(history, flatBudget(15), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"req", "res"}) {
		t.Errorf("window = %v, want [req res]", got)
	}
	if !usage.OverBudget {
		t.Error("OverBudget = false, want true")
	}
}

func TestSelectWindow_MultiResultUnit(t *testing.T) {
	request := models.Message{
		ID:   "req",
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "a", Input: json.RawMessage("12345")},
			{ID: "tc-2", Name: "b", Input: json.RawMessage("12345")},
		},
	}
	history := []models.Message{
		userMsg("u1", 10),
		request,
		resultMsg("res1", "tc-1", 5),
		resultMsg("res2", "tc-2", 5),
		userMsg("u2", 5),
	}

	// Unit cost: req (10) + res1 (5) + res2 (5) = 20. Budget admits newest
	// (5) plus the whole unit, then stops before u1.
	window, _ := SelectWindow(history, flatBudget(28), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"req", "res1", "res2", "u2"}) {
		t.Errorf("window = %v, want [req res1 res2 u2]", got)
	}
}

func TestSelectWindow_DanglingRequestExcluded(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 5),
		requestMsg("orphan", "tc-9", 5),
		userMsg("u2", 5),
	}

	window, _ := SelectWindow(history, flatBudget(1000), contentEstimator{})

	for _, id := range windowIDs(window) {
		if id == "orphan" {
			t.Fatal("window contains request with no results")
		}
	}
	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Errorf("window = %v, want [u1 u2]", got)
	}
}

func TestSelectWindow_DanglingRequestNewestKept(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 5),
		requestMsg("pending", "tc-1", 5),
	}

	window, _ := SelectWindow(history, flatBudget(1000), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"u1", "pending"}) {
		t.Errorf("window = %v, want [u1 pending]", got)
	}
}

func TestSelectWindow_Idempotent(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 17),
		requestMsg("req", "tc-1", 9),
		resultMsg("res", "tc-1", 23),
		userMsg("u2", 4),
		userMsg("u3", 31),
	}
	budget := flatBudget(60)

	w1, u1 := SelectWindow(history, budget, contentEstimator{})
	w2, u2 := SelectWindow(history, budget, contentEstimator{})

	if !reflect.DeepEqual(w1, w2) {
		t.Errorf("windows differ between calls: %v vs %v", windowIDs(w1), windowIDs(w2))
	}
	if u1 != u2 {
		t.Errorf("usage differs between calls: %+v vs %+v", u1, u2)
	}
}

func TestSelectWindow_ReservesReduceAvailable(t *testing.T) {
	history := []models.Message{
		userMsg("old", 40),
		userMsg("new", 40),
	}

	// NewBudget(100) leaves 70 tokens for history; both messages would need
	// 80, so only the newest fits.
	window, _ := SelectWindow(history, NewBudget(100), contentEstimator{})

	if got := windowIDs(window); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("window = %v, want [new]", got)
	}
}

func TestSelectWindow_GeneratedHistories(t *testing.T) {
	// Random histories mixing plain messages, answered tool exchanges, and
	// dangling requests, swept across budgets. Whatever the shape, a window
	// must keep request/result pairs whole and retain the newest message.
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		history := generateHistory(rng)
		budget := flatBudget(5 + rng.Intn(120))

		window, usage := SelectWindow(history, budget, contentEstimator{})

		if len(window) == 0 {
			t.Fatalf("trial %d: empty window for %d messages", trial, len(history))
		}
		newest := history[len(history)-1]
		if window[len(window)-1].ID != newest.ID {
			t.Fatalf("trial %d: newest message %q missing from window %v",
				trial, newest.ID, windowIDs(window))
		}
		if usage.ContextMessages != len(window) {
			t.Fatalf("trial %d: ContextMessages = %d, window has %d",
				trial, usage.ContextMessages, len(window))
		}

		inWindow := make(map[string]bool)
		owner := make(map[string]string) // tool call ID -> requesting message ID
		answered := make(map[string][]string)
		for _, m := range history {
			for _, tc := range m.ToolCalls {
				owner[tc.ID] = m.ID
			}
			for _, tr := range m.ToolResults {
				if req, ok := owner[tr.ToolCallID]; ok {
					answered[req] = append(answered[req], m.ID)
				}
			}
		}
		for _, m := range window {
			inWindow[m.ID] = true
		}

		for _, m := range window {
			// No result without its request.
			for _, tr := range m.ToolResults {
				req, ok := owner[tr.ToolCallID]
				if ok && !inWindow[req] {
					t.Fatalf("trial %d: result %q present without request %q in %v",
						trial, m.ID, req, windowIDs(window))
				}
			}
			// No answered request without all of its results.
			for _, res := range answered[m.ID] {
				if !inWindow[res] {
					t.Fatalf("trial %d: request %q present without result %q in %v",
						trial, m.ID, res, windowIDs(window))
				}
			}
			// Unanswered requests only survive in the newest position.
			if m.HasToolCalls() && len(answered[m.ID]) == 0 && m.ID != newest.ID {
				t.Fatalf("trial %d: dangling request %q admitted in %v",
					trial, m.ID, windowIDs(window))
			}
		}
	}
}

// generateHistory builds a random plausible history: plain user/assistant
// messages, answered tool exchanges (sometimes multi-call), and the
// occasional request still awaiting results.
func generateHistory(rng *rand.Rand) []models.Message {
	var history []models.Message
	seq := 0
	nextID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s-%d", prefix, seq)
	}

	steps := 1 + rng.Intn(12)
	for s := 0; s < steps; s++ {
		switch rng.Intn(4) {
		case 0, 1:
			history = append(history, userMsg(nextID("u"), 1+rng.Intn(30)))
		case 2:
			calls := 1 + rng.Intn(2)
			req := models.Message{ID: nextID("req"), Role: models.RoleAssistant}
			var callIDs []string
			for c := 0; c < calls; c++ {
				id := nextID("tc")
				callIDs = append(callIDs, id)
				req.ToolCalls = append(req.ToolCalls, models.ToolCall{
					ID:    id,
					Name:  "search",
					Input: json.RawMessage(strings.Repeat("y", 1+rng.Intn(15))),
				})
			}
			history = append(history, req)
			for _, id := range callIDs {
				history = append(history, resultMsg(nextID("res"), id, 1+rng.Intn(25)))
			}
		case 3:
			history = append(history, requestMsg(nextID("pending"), nextID("tc"), 1+rng.Intn(15)))
		}
	}
	return history
}

func TestSelectWindow_DoesNotMutateHistory(t *testing.T) {
	history := []models.Message{
		userMsg("u1", 10),
		userMsg("u2", 10),
	}
	snapshot := make([]models.Message, len(history))
	copy(snapshot, history)

	_, _ = SelectWindow(history, flatBudget(5), contentEstimator{})

	if !reflect.DeepEqual(history, snapshot) {
		t.Error("SelectWindow mutated its input history")
	}
}
