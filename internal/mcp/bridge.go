package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/haasonsaas/conductor/internal/agent"
)

// maxBridgedNameLen caps bridged tool names at the length providers accept.
const maxBridgedNameLen = 64

// ToolCaller is the tool execution surface the bridge needs from a client.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error)
}

// BridgedTool exposes one MCP server tool as an agent tool. Its registry
// name is the server name, a double underscore, then the tool name, so
// authorization and scheduling see MCP tools like any other tool.
type BridgedTool struct {
	caller ToolCaller
	server string
	tool   ServerTool
	name   string
}

// NewBridgedTool wraps a server tool under a precomputed registry name.
func NewBridgedTool(caller ToolCaller, server string, tool ServerTool, name string) *BridgedTool {
	return &BridgedTool{caller: caller, server: server, tool: tool, name: name}
}

// Name returns the prefixed registry name.
func (b *BridgedTool) Name() string {
	return b.name
}

// Description returns the server tool description tagged with its origin.
func (b *BridgedTool) Description() string {
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.server, b.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.server, b.tool.Name, desc)
}

// Schema returns the server-declared input schema.
func (b *BridgedTool) Schema() json.RawMessage {
	if len(b.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b.tool.InputSchema
}

// Execute forwards the call to the server and flattens the result content.
func (b *BridgedTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result, err := b.caller.CallTool(ctx, b.tool.Name, params)
	if err != nil {
		return nil, err
	}
	content, isError := flattenToolResult(result)
	return &agent.ToolResult{Content: content, IsError: isError}, nil
}

// BridgeTools registers every tool in tools with the registry under
// server-prefixed names and returns the names it registered.
func BridgeTools(registry *agent.ToolRegistry, caller ToolCaller, server string, tools []ServerTool) []string {
	if registry == nil || len(tools) == 0 {
		return nil
	}

	sorted := make([]ServerTool, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	used := make(map[string]struct{})
	names := make([]string, 0, len(sorted))
	for _, tool := range sorted {
		name := bridgedToolName(server, tool.Name, used)
		registry.Register(NewBridgedTool(caller, server, tool, name))
		names = append(names, name)
	}
	return names
}

// bridgedToolName builds server__tool, sanitized to characters providers
// accept and deduplicated with a content hash when servers collide.
func bridgedToolName(server, toolName string, used map[string]struct{}) string {
	base := sanitizeNamePart(server) + "__" + sanitizeNamePart(toolName)
	name := base
	if len(name) > maxBridgedNameLen {
		name = truncateWithHash(base, server, toolName)
	}
	if _, exists := used[name]; exists {
		name = truncateWithHash(base, server, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func truncateWithHash(base, server, toolName string) string {
	sum := sha1.Sum([]byte(server + ":" + toolName))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	trimLen := maxBridgedNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

// flattenToolResult joins text content with newlines; mixed content falls
// back to the JSON encoding of the whole result.
func flattenToolResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}
