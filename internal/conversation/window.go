package conversation

import (
	"sort"

	"github.com/haasonsaas/conductor/pkg/models"
)

// TokenBudget bounds how much history a context window may consume.
// Reserves are fractions of MaxTokens held back for the system prompt and
// the model's response.
type TokenBudget struct {
	// MaxTokens is the model's full context size.
	MaxTokens int

	// SystemReserve is the fraction reserved for the system prompt.
	SystemReserve float64

	// ResponseReserve is the fraction reserved for response headroom.
	ResponseReserve float64
}

// NewBudget returns a budget with the standard reserves: 10% for the
// system prompt and 20% of response headroom.
func NewBudget(maxTokens int) TokenBudget {
	return TokenBudget{
		MaxTokens:       maxTokens,
		SystemReserve:   0.1,
		ResponseReserve: 0.2,
	}
}

// available returns the token count usable by history messages.
func (b TokenBudget) available() int {
	reserved := int(float64(b.MaxTokens)*b.SystemReserve) + int(float64(b.MaxTokens)*b.ResponseReserve)
	return b.MaxTokens - reserved
}

// Usage reports how the window selection went.
type Usage struct {
	// ContextTokens is the estimated token count of the selected window.
	ContextTokens int `json:"context_tokens"`

	// MaxContextTokens is the full budget the window was selected against.
	MaxContextTokens int `json:"max_context_tokens"`

	// TotalMessages is the history length before selection.
	TotalMessages int `json:"total_messages"`

	// ContextMessages is the number of messages in the window.
	ContextMessages int `json:"context_messages"`

	// UsagePercentage is ContextTokens relative to MaxContextTokens.
	UsagePercentage float64 `json:"usage_percentage"`

	// OverBudget is set when the newest message's unit alone exceeded the
	// budget and was admitted anyway.
	OverBudget bool `json:"over_budget,omitempty"`
}

// SelectWindow picks the most recent messages that fit the budget.
//
// Selection is pure: it never mutates history and identical input yields an
// identical window. Messages are dropped oldest-first and only as whole
// messages. A tool-result message always travels with the assistant message
// that requested it; when the pair does not fit jointly, both drop. The
// newest message is never dropped, even when it alone exceeds the budget
// (reported via Usage.OverBudget).
//
// A nil estimator falls back to CharacterEstimator.
func SelectWindow(history []models.Message, budget TokenBudget, est Estimator) ([]models.Message, Usage) {
	if est == nil {
		est = CharacterEstimator{}
	}

	usage := Usage{
		TotalMessages:    len(history),
		MaxContextTokens: budget.MaxTokens,
	}
	if len(history) == 0 {
		return nil, usage
	}

	units, newestUnit := groupUnits(history)
	available := budget.available()

	costs := make([]int, len(units))
	for i, u := range units {
		for _, idx := range u.indices {
			costs[i] += est.EstimateMessage(history[idx])
		}
	}

	admitted := make([]bool, len(units))
	used := 0

	// The unit holding the newest message is always admitted. When a
	// tool-result message is newest, its unit already includes the
	// requesting assistant message, so the pair survives together.
	admitted[newestUnit] = true
	used += costs[newestUnit]
	if costs[newestUnit] > available {
		usage.OverBudget = true
	}

	for i := len(units) - 1; i >= 0; i-- {
		if i == newestUnit || admitted[i] {
			continue
		}
		if units[i].excluded {
			continue
		}
		if used+costs[i] > available {
			break
		}
		admitted[i] = true
		used += costs[i]
	}

	var indices []int
	for i, u := range units {
		if !admitted[i] {
			continue
		}
		indices = append(indices, u.indices...)
	}
	sort.Ints(indices)

	window := make([]models.Message, len(indices))
	for i, idx := range indices {
		window[i] = history[idx]
	}

	usage.ContextTokens = used
	usage.ContextMessages = len(window)
	if budget.MaxTokens > 0 {
		usage.UsagePercentage = float64(used) / float64(budget.MaxTokens) * 100
	}
	return window, usage
}

// unit is a group of message indices admitted or dropped together.
// A tool-requesting assistant message and its result messages form one unit.
type unit struct {
	indices  []int
	excluded bool
}

// groupUnits partitions history into pairing units, ordered by the position
// of each unit's first message. Result messages join the unit of the
// assistant message that owns their tool call IDs. Requests whose results
// never arrived and results whose request is absent are marked excluded,
// except when they hold the newest message, which must survive selection.
// The second return value is the index of the unit holding the newest
// message.
func groupUnits(history []models.Message) ([]unit, int) {
	var units []unit
	owner := make(map[string]int) // tool call ID -> unit index
	answered := make(map[int]bool)
	unitOf := make([]int, len(history))

	for i := range history {
		msg := &history[i]
		if msg.HasToolResults() {
			uidx := -1
			for _, tr := range msg.ToolResults {
				if o, ok := owner[tr.ToolCallID]; ok {
					uidx = o
					break
				}
			}
			if uidx >= 0 {
				units[uidx].indices = append(units[uidx].indices, i)
				answered[uidx] = true
				unitOf[i] = uidx
			} else {
				// Dangling result: no matching request in history.
				unitOf[i] = -1
			}
			continue
		}

		uidx := len(units)
		units = append(units, unit{indices: []int{i}})
		unitOf[i] = uidx
		for _, tc := range msg.ToolCalls {
			owner[tc.ID] = uidx
		}
	}

	// Requests that never received results cannot be sent upstream alone.
	for i := range units {
		head := history[units[i].indices[0]]
		if head.HasToolCalls() && !answered[i] {
			units[i].excluded = true
		}
	}

	last := len(history) - 1
	if unitOf[last] == -1 {
		// A dangling result in the newest position still must be kept.
		units = append(units, unit{indices: []int{last}})
		unitOf[last] = len(units) - 1
	}
	newestUnit := unitOf[last]
	units[newestUnit].excluded = false

	return units, newestUnit
}
