// Package toolconv converts tool definitions into the wire formats of the
// supported model backends.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/haasonsaas/conductor/internal/agent"
)

// ToAnthropicTools converts tool definitions to Anthropic tool parameters.
func ToAnthropicTools(defs []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		param, err := ToAnthropicTool(def)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool definition to an Anthropic tool parameter.
func ToAnthropicTool(def agent.ToolDefinition) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(def.Schema, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
	}
	toolParam.OfTool.Description = anthropic.String(def.Description)
	return toolParam, nil
}
