package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
)

type clockParams struct {
	TZ string `json:"tz,omitempty" jsonschema:"description=IANA timezone name (default: UTC)"`
}

// ClockTool reports the current time in a requested timezone.
type ClockTool struct {
	// now is replaceable in tests.
	now func() time.Time
}

// NewClockTool creates a clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

// Name returns the tool name.
func (t *ClockTool) Name() string {
	return "clock"
}

// Description returns the tool description.
func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ClockTool) Schema() json.RawMessage {
	return schemaFor(&clockParams{})
}

// Execute returns the current time formatted as RFC 3339.
func (t *ClockTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input clockParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}
	loc := time.UTC
	if input.TZ != "" {
		var err error
		loc, err = time.LoadLocation(input.TZ)
		if err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("unknown timezone %q", input.TZ), IsError: true}, nil
		}
	}
	return &agent.ToolResult{Content: t.now().In(loc).Format(time.RFC3339)}, nil
}
