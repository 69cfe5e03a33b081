package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("unexpected name %q", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("expected tool support")
	}
	if p.defaultModel != "gpt-4o" {
		t.Errorf("unexpected default model %q", p.defaultModel)
	}
	if len(p.Models()) == 0 {
		t.Error("expected a model catalog")
	}
}

func TestCompatBackendConstructors(t *testing.T) {
	if _, err := NewAzureOpenAIProvider(AzureOpenAIConfig{APIKey: "k"}); err == nil {
		t.Error("expected error for missing azure endpoint")
	}
	if _, err := NewAzureOpenAIProvider(AzureOpenAIConfig{Endpoint: "https://r.openai.azure.com"}); err == nil {
		t.Error("expected error for missing azure API key")
	}
	azure, err := NewAzureOpenAIProvider(AzureOpenAIConfig{
		Endpoint: "https://r.openai.azure.com",
		APIKey:   "k",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if azure.Name() != "azure" {
		t.Errorf("unexpected name %q", azure.Name())
	}

	if _, err := NewOpenRouterProvider(OpenRouterConfig{}); err == nil {
		t.Error("expected error for missing openrouter API key")
	}
	router, err := NewOpenRouterProvider(OpenRouterConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if router.Name() != "openrouter" || router.defaultModel != "openai/gpt-4o" {
		t.Errorf("unexpected openrouter defaults: %q %q", router.Name(), router.defaultModel)
	}

	ollama := NewOllamaProvider(OllamaConfig{})
	if ollama.Name() != "ollama" || ollama.defaultModel != "llama3.2" {
		t.Errorf("unexpected ollama defaults: %q %q", ollama.Name(), ollama.defaultModel)
	}
}

func TestMapOpenAIStop(t *testing.T) {
	tests := []struct {
		reason openai.FinishReason
		want   agent.StopReason
	}{
		{openai.FinishReasonStop, agent.StopEndTurn},
		{openai.FinishReasonToolCalls, agent.StopToolUse},
		{openai.FinishReasonFunctionCall, agent.StopToolUse},
		{openai.FinishReasonLength, agent.StopMaxTokens},
		{openai.FinishReasonContentFilter, agent.StopContentFiltered},
		{openai.FinishReason("other"), agent.StopUnknown},
	}
	for _, tt := range tests {
		if got := mapOpenAIStop(tt.reason); got != tt.want {
			t.Errorf("mapOpenAIStop(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "ignored here"},
		{Role: models.RoleUser, Content: "hello"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "tc_1", Name: "clock", Input: json.RawMessage(`{}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "tc_1", Content: "12:00"},
				{ToolCallID: "tc_2", Content: "oops", IsError: true},
			},
		},
	}

	result := convertOpenAIMessages(messages, "be brief")

	// System prompt + user + assistant + one message per tool result.
	if len(result) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleSystem || result[0].Content != "be brief" {
		t.Errorf("unexpected system message: %+v", result[0])
	}
	if len(result[2].ToolCalls) != 1 || result[2].ToolCalls[0].Function.Name != "clock" {
		t.Errorf("unexpected assistant message: %+v", result[2])
	}
	if result[3].Role != openai.ChatMessageRoleTool || result[3].ToolCallID != "tc_1" {
		t.Errorf("unexpected tool message: %+v", result[3])
	}
	if result[4].ToolCallID != "tc_2" {
		t.Errorf("unexpected second tool message: %+v", result[4])
	}
}

// chatStreamFrame writes one chat completion chunk as an SSE data line.
func chatStreamFrame(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestOpenAIStreamingComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hello"}}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"}}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}`)
		chatStreamFrame(w, "[DONE]")
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chunks, err := p.Complete(ctx, &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	acc := agent.NewStreamAccumulator()
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if err := acc.Feed(chunk); err != nil {
			t.Fatalf("accumulator rejected chunk: %v", err)
		}
	}

	resp, err := acc.Response()
	if err != nil {
		t.Fatalf("incomplete response: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.StopReason != agent.StopEndTurn {
		t.Errorf("unexpected stop reason %v", resp.StopReason)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestOpenAIToolCallAccumulation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"London\"}"}}]}}]}`)
		chatStreamFrame(w, `{"id":"1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)
		chatStreamFrame(w, "[DONE]")
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chunks, err := p.Complete(ctx, &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "weather in London?"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	acc := agent.NewStreamAccumulator()
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if err := acc.Feed(chunk); err != nil {
			t.Fatalf("accumulator rejected chunk: %v", err)
		}
	}

	resp, err := acc.Response()
	if err != nil {
		t.Fatalf("incomplete response: %v", err)
	}
	if resp.StopReason != agent.StopToolUse {
		t.Errorf("unexpected stop reason %v", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if string(tc.Input) != `{"city":"London"}` {
		t.Errorf("unexpected input %s", tc.Input)
	}
}
