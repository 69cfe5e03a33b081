package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/internal/agent"
)

func fetchURL(t *testing.T, tool *FetchTool, url string) *agent.ToolResult {
	t.Helper()
	params, _ := json.Marshal(map[string]string{"url": url})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	return result
}

func TestFetchOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte("hello from server"))
	}))
	defer server.Close()

	result := fetchURL(t, NewFetchTool(FetchConfig{}), server.URL)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "hello from server" {
		t.Fatalf("unexpected body: %s", result.Content)
	}
}

func TestFetchTruncatesAtCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	result := fetchURL(t, NewFetchTool(FetchConfig{MaxBytes: 10}), server.URL)
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.HasPrefix(result.Content, "xxxxxxxxxx\n[truncated at 10 bytes]") {
		t.Fatalf("expected truncation marker, got %s", result.Content)
	}
}

func TestFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	result := fetchURL(t, NewFetchTool(FetchConfig{}), server.URL)
	if !result.IsError {
		t.Fatal("expected error result for 403")
	}
	if !strings.Contains(result.Content, "HTTP 403") {
		t.Fatalf("expected status in message, got %s", result.Content)
	}
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	for _, url := range []string{"ftp://example.com/x", "file:///etc/passwd", "not a url", ""} {
		result := fetchURL(t, NewFetchTool(FetchConfig{}), url)
		if !result.IsError {
			t.Errorf("%q: expected error result", url)
		}
	}
}
