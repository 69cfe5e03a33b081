package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
)

const (
	defaultFetchMaxBytes = 1 << 20
	defaultFetchTimeout  = 30 * time.Second
)

type fetchParams struct {
	URL string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
}

// FetchConfig controls http_fetch defaults.
type FetchConfig struct {
	MaxBytes int64
	Timeout  time.Duration
}

// FetchTool performs a GET request and returns the body, capped at a
// configured byte limit.
type FetchTool struct {
	client   *http.Client
	maxBytes int64
}

// FetchOption customizes FetchTool construction.
type FetchOption func(*FetchTool)

// WithHTTPClient overrides the default HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(t *FetchTool) {
		if client != nil {
			t.client = client
		}
	}
}

// NewFetchTool creates an http_fetch tool with defaults applied.
func NewFetchTool(cfg FetchConfig, opts ...FetchOption) *FetchTool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultFetchMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	tool := &FetchTool{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxBytes,
	}
	for _, opt := range opts {
		opt(tool)
	}
	return tool
}

// Name returns the tool name.
func (t *FetchTool) Name() string {
	return "http_fetch"
}

// Description returns the tool description.
func (t *FetchTool) Description() string {
	return "Fetch the contents of an HTTP or HTTPS URL with a GET request."
}

// Schema returns the JSON schema for the tool parameters.
func (t *FetchTool) Schema() json.RawMessage {
	return schemaFor(&fetchParams{})
}

// Execute fetches the URL and returns up to maxBytes of the body.
func (t *FetchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input fetchParams
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	parsed, err := url.Parse(input.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid URL %q: must be http or https", input.URL), IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("build request: %v", err), IsError: true}, nil
	}
	req.Header.Set("User-Agent", "conductor-http-fetch/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("fetch failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	// Read one byte past the cap to tell "exactly at the limit" apart
	// from "truncated".
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("read body: %v", err), IsError: true}, nil
	}
	truncated := false
	if int64(len(body)) > t.maxBytes {
		body = body[:t.maxBytes]
		truncated = true
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &agent.ToolResult{
			Content: fmt.Sprintf("HTTP %d from %s\n%s", resp.StatusCode, parsed.Host, string(body)),
			IsError: true,
		}, nil
	}

	content := string(body)
	if truncated {
		content += fmt.Sprintf("\n[truncated at %d bytes]", t.maxBytes)
	}
	return &agent.ToolResult{Content: content}, nil
}
