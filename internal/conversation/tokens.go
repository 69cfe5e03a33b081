package conversation

import (
	"github.com/haasonsaas/conductor/pkg/models"
)

// Estimator approximates token counts for budget decisions.
// Providers report exact usage after the fact; windowing only needs a
// deterministic estimate that is stable for identical input.
type Estimator interface {
	// Estimate returns the approximate token count for a text fragment.
	Estimate(text string) int

	// EstimateMessage returns the approximate token count for a whole message,
	// including tool call inputs and tool result payloads.
	EstimateMessage(msg models.Message) int
}

// CharacterEstimator approximates tokens as ceil(len/4), a reasonable
// heuristic for English text under most tokenizers.
type CharacterEstimator struct{}

// Estimate returns ceil(len(text)/4).
func (CharacterEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessage sums the estimates for the message role, content, tool
// call payloads, and tool result payloads.
func (e CharacterEstimator) EstimateMessage(msg models.Message) int {
	total := e.Estimate(string(msg.Role)) + e.Estimate(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += e.Estimate(tc.Name) + e.Estimate(string(tc.Input))
	}
	for _, tr := range msg.ToolResults {
		total += e.Estimate(tr.Content)
	}
	return total
}
