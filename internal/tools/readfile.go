package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/conductor/internal/agent"
)

const defaultReadMaxBytes = 200000

type readFileParams struct {
	Path string `json:"path" jsonschema:"required,description=Path to the file relative to the configured root"`
}

// ReadFileTool reads files confined under a configured root directory.
type ReadFileTool struct {
	root     string
	maxBytes int64
}

// NewReadFileTool creates a read_file tool scoped to root.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root, maxBytes: defaultReadMaxBytes}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return "read_file"
}

// Description returns the tool description.
func (t *ReadFileTool) Description() string {
	return "Read a text file from the configured root directory."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadFileTool) Schema() json.RawMessage {
	return schemaFor(&readFileParams{})
}

// Execute reads the file after resolving the path inside the root.
func (t *ReadFileTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input readFileParams
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	target, err := t.resolve(input.Path)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	info, err := os.Stat(target)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("stat %s: %v", input.Path, err), IsError: true}, nil
	}
	if info.IsDir() {
		return &agent.ToolResult{Content: fmt.Sprintf("%s is a directory", input.Path), IsError: true}, nil
	}
	if info.Size() > t.maxBytes {
		return &agent.ToolResult{Content: fmt.Sprintf("%s is %d bytes, limit is %d", input.Path, info.Size(), t.maxBytes), IsError: true}, nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("read %s: %v", input.Path, err), IsError: true}, nil
	}
	if !utf8.Valid(data) {
		return &agent.ToolResult{Content: fmt.Sprintf("%s is not valid UTF-8 text", input.Path), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

// resolve returns an absolute, cleaned path inside the root.
func (t *ReadFileTool) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(t.root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the read root")
	}
	return target, nil
}
