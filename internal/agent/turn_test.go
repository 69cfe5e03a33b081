package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/conversation"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/pkg/models"
)

// turnTestProvider replays scripted chunk sequences, one per model call.
type turnTestProvider struct {
	responses    [][]*CompletionChunk
	calls        atomic.Int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	mu       sync.Mutex
	requests []*CompletionRequest
}

func (p *turnTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	call := int(p.calls.Add(1)) - 1
	ch := make(chan *CompletionChunk, 32)

	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &CompletionChunk{Err: errors.New("no scripted response left")}
			return
		}
		for _, chunk := range p.responses[call] {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- &CompletionChunk{Err: ctx.Err()}
				return
			}
		}
	}()

	return ch, nil
}

func (p *turnTestProvider) Name() string        { return "turn-test" }
func (p *turnTestProvider) Models() []Model     { return nil }
func (p *turnTestProvider) SupportsTools() bool { return true }

func (p *turnTestProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		return nil
	}
	return p.requests[i]
}

// textChunks scripts a streamed text response ending with the given stop reason.
func textChunks(text string, stop StopReason) []*CompletionChunk {
	return []*CompletionChunk{
		{Kind: ChunkBlockStart, Index: 0, BlockType: BlockText},
		{Kind: ChunkTextDelta, Index: 0, Delta: text},
		{Kind: ChunkBlockStop, Index: 0},
		{Kind: ChunkDone, StopReason: stop, Usage: &models.TokenUsage{InputTokens: 10, OutputTokens: 5}},
	}
}

// toolChunks scripts a tool_use response with optional leading text.
func toolChunks(text string, calls ...models.ToolCall) []*CompletionChunk {
	var chunks []*CompletionChunk
	idx := 0
	if text != "" {
		chunks = append(chunks,
			&CompletionChunk{Kind: ChunkBlockStart, Index: idx, BlockType: BlockText},
			&CompletionChunk{Kind: ChunkTextDelta, Index: idx, Delta: text},
			&CompletionChunk{Kind: ChunkBlockStop, Index: idx},
		)
		idx++
	}
	for _, tc := range calls {
		chunks = append(chunks,
			&CompletionChunk{Kind: ChunkBlockStart, Index: idx, BlockType: BlockToolUse, ToolID: tc.ID, ToolName: tc.Name},
			&CompletionChunk{Kind: ChunkInputJSONDelta, Index: idx, Delta: string(tc.Input)},
			&CompletionChunk{Kind: ChunkBlockStop, Index: idx},
		)
		idx++
	}
	chunks = append(chunks, &CompletionChunk{
		Kind:       ChunkDone,
		StopReason: StopToolUse,
		Usage:      &models.TokenUsage{InputTokens: 20, OutputTokens: 8},
	})
	return chunks
}

func TestTurn_TextOnly(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			textChunks("Hello, how can I help?", StopEndTurn),
		},
	}

	history := conversation.NewHistory()
	turn := NewTurn(provider, nil, history, nil)

	result, err := turn.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Text != "Hello, how can I help?" {
		t.Errorf("text = %q", result.Text)
	}
	if result.ModelCalls != 1 {
		t.Errorf("model calls = %d, want 1", result.ModelCalls)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(result.ToolCalls))
	}
	if turn.State() != StateCompleted {
		t.Errorf("state = %s, want completed", turn.State())
	}
	if history.Len() != 2 {
		t.Fatalf("history length = %d, want user+assistant", history.Len())
	}
	msgs := history.Messages()
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestTurn_SingleToolRound(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("Let me check.", models.ToolCall{
				ID:    "call-1",
				Name:  "echo",
				Input: json.RawMessage(`{"text": "test"}`),
			}),
			textChunks("The tool returned: test", StopEndTurn),
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			var p struct {
				Text string `json:"text"`
			}
			json.Unmarshal(params, &p)
			return &ToolResult{Content: p.Text}, nil
		},
	})

	history := conversation.NewHistory()
	turn := NewTurn(provider, registry, history, nil)

	result, err := turn.Run(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Text != "The tool returned: test" {
		t.Errorf("text = %q", result.Text)
	}
	if result.ModelCalls != 2 {
		t.Errorf("model calls = %d, want 2", result.ModelCalls)
	}
	// Usage sums across round-trips: 20+10 in, 8+5 out.
	if result.Usage.InputTokens != 30 || result.Usage.OutputTokens != 13 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool call records = %d, want 1", len(result.ToolCalls))
	}
	rec := result.ToolCalls[0]
	if rec.CallID != "call-1" || rec.Name != "echo" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Result != "test" || rec.IsError || rec.Denied {
		t.Errorf("record result = %+v", rec)
	}
	if rec.Duration <= 0 {
		t.Error("record should carry execution duration")
	}

	// History: user, assistant(tool calls), tool results, assistant.
	if history.Len() != 4 {
		t.Fatalf("history length = %d, want 4", history.Len())
	}
	msgs := history.Messages()
	if !msgs[1].HasToolCalls() {
		t.Error("assistant message should carry the tool calls")
	}
	if !msgs[2].HasToolResults() {
		t.Error("tool message should carry the results")
	}
	if msgs[2].ToolResults[0].Content != "test" {
		t.Errorf("tool result content = %q", msgs[2].ToolResults[0].Content)
	}

	// The second model call must see the tool results.
	second := provider.request(1)
	if second == nil {
		t.Fatal("missing second request")
	}
	found := false
	for _, m := range second.Messages {
		if m.HasToolResults() {
			found = true
		}
	}
	if !found {
		t.Error("second request does not include tool results")
	}
}

func TestTurn_SingleUse(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			textChunks("once", StopEndTurn),
		},
	}
	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	if _, err := turn.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := turn.Run(context.Background(), "again")
	if err == nil {
		t.Fatal("second run should fail")
	}
	if !strings.Contains(err.Error(), "already consumed") {
		t.Errorf("error = %v", err)
	}
}

func TestTurn_EmptyUserMessage(t *testing.T) {
	turn := NewTurn(&turnTestProvider{}, nil, conversation.NewHistory(), nil)
	_, err := turn.Run(context.Background(), "   ")
	if err == nil {
		t.Fatal("expected error")
	}
	if CodeOf(err) != CodeValidation {
		t.Errorf("code = %s, want validation", CodeOf(err))
	}
}

func TestTurn_EmptyResponse(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			{{Kind: ChunkDone, StopReason: StopEndTurn}},
		},
	}
	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	_, err := turn.Run(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected empty response failure")
	}
	if CodeOf(err) != CodeEmptyResponse {
		t.Errorf("code = %s, want empty_response", CodeOf(err))
	}
	if turn.State() != StateFailed {
		t.Errorf("state = %s, want failed", turn.State())
	}
}

func TestTurn_TerminalStopReasons(t *testing.T) {
	tests := []struct {
		name string
		stop StopReason
		code ErrorCode
	}{
		{"max tokens", StopMaxTokens, CodeMaxTokens},
		{"content filtered", StopContentFiltered, CodeContentFiltered},
		{"unknown", StopReason("server_exploded"), CodeUnexpectedStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &turnTestProvider{
				responses: [][]*CompletionChunk{
					textChunks("partial output", tt.stop),
				},
			}
			history := conversation.NewHistory()
			turn := NewTurn(provider, nil, history, nil)

			_, err := turn.Run(context.Background(), "hi")
			if err == nil {
				t.Fatal("expected failure")
			}
			if CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", CodeOf(err), tt.code)
			}
			if turn.State() != StateFailed {
				t.Errorf("state = %s, want failed", turn.State())
			}
			// The partial assistant output is still recorded.
			if history.Len() != 2 {
				t.Errorf("history length = %d, want 2", history.Len())
			}
		})
	}
}

func TestTurn_PauseTurnContinues(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			textChunks("working on it", StopPauseTurn),
			textChunks("done", StopEndTurn),
		},
	}
	history := conversation.NewHistory()
	turn := NewTurn(provider, nil, history, nil)

	result, err := turn.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "done" {
		t.Errorf("text = %q", result.Text)
	}
	if result.ModelCalls != 2 {
		t.Errorf("model calls = %d, want 2", result.ModelCalls)
	}
	// Both assistant messages are in history.
	if history.Len() != 3 {
		t.Errorf("history length = %d, want 3", history.Len())
	}
}

func TestTurn_ToolRoundLimit(t *testing.T) {
	call := models.ToolCall{ID: "loop", Name: "noop", Input: json.RawMessage(`{}`)}
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", call),
			toolChunks("", call),
			toolChunks("", call),
		},
	}

	tool := &mockTool{name: "noop"}
	registry := NewToolRegistry()
	registry.Register(tool)

	config := DefaultTurnConfig()
	config.MaxToolRounds = 2

	history := conversation.NewHistory()
	turn := NewTurn(provider, registry, history, config)

	_, err := turn.Run(context.Background(), "go")
	if err == nil {
		t.Fatal("expected turn limit failure")
	}
	if CodeOf(err) != CodeTurnLimit {
		t.Errorf("code = %s, want turn_limit", CodeOf(err))
	}
	if got := tool.execCount.Load(); got != 2 {
		t.Errorf("tool executed %d times, want 2", got)
	}

	// Earlier rounds' results stay in history.
	resultMessages := 0
	for _, m := range history.Messages() {
		if m.HasToolResults() {
			resultMessages++
		}
	}
	if resultMessages != 2 {
		t.Errorf("tool result messages = %d, want 2", resultMessages)
	}
}

func TestTurn_ToolUseWithoutCalls(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			textChunks("no calls here", StopToolUse),
		},
	}
	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	_, err := turn.Run(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected protocol error")
	}
	if CodeOf(err) != CodeProtocol {
		t.Errorf("code = %s, want protocol", CodeOf(err))
	}
}

func TestTurn_StreamWithoutDone(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			{
				{Kind: ChunkBlockStart, Index: 0, BlockType: BlockText},
				{Kind: ChunkTextDelta, Index: 0, Delta: "trunca"},
			},
		},
	}
	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	_, err := turn.Run(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected protocol error")
	}
	if CodeOf(err) != CodeProtocol {
		t.Errorf("code = %s, want protocol", CodeOf(err))
	}
}

func TestTurn_AutoDenyWithoutGrant(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", models.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)}),
			textChunks("understood", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(permission.NewMemoryStore(), permission.PolicyAutoDeny)

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)

	result, err := turn.Run(context.Background(), "run ls")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := tool.execCount.Load(); got != 0 {
		t.Errorf("denied tool executed %d times", got)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("records = %d, want 1", len(result.ToolCalls))
	}
	rec := result.ToolCalls[0]
	if !rec.Denied || !rec.IsError {
		t.Errorf("record = %+v, want denied error", rec)
	}
	if !strings.Contains(rec.Result, `no grant configured for tool "shell"`) {
		t.Errorf("result = %q", rec.Result)
	}

	// The denial is what the model sees in round two.
	second := provider.request(1)
	if second == nil {
		t.Fatal("missing second request")
	}
	var deniedContent string
	for _, m := range second.Messages {
		for _, tr := range m.ToolResults {
			deniedContent = tr.Content
		}
	}
	if !strings.HasPrefix(deniedContent, "Error: permission denied") {
		t.Errorf("model-visible denial = %q", deniedContent)
	}
}

func TestTurn_GrantedToolExecutes(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", models.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)}),
			textChunks("done", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	store := permission.NewMemoryStore()
	if err := store.GrantTool(context.Background(), "shell", permission.GrantScopeSession); err != nil {
		t.Fatal(err)
	}

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(store, permission.PolicyAutoDeny)

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)

	result, err := turn.Run(context.Background(), "run ls")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := tool.execCount.Load(); got != 1 {
		t.Errorf("tool executed %d times, want 1", got)
	}
	if result.ToolCalls[0].Denied {
		t.Error("granted call should not be denied")
	}
}

// resolveFirstPending answers the first proposal that shows up on the resolver.
func resolveFirstPending(t *testing.T, r *permission.Resolver, res permission.Resolution) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if pending := r.Pending(); len(pending) > 0 {
				_ = r.Resolve(context.Background(), pending[0].ID, res)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func TestTurn_ApprovalApproveOnce(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", models.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)}),
			textChunks("done", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	store := permission.NewMemoryStore()
	resolver := permission.NewResolver(store, 0)

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(store, permission.PolicyInteractive)
	config.Resolver = resolver

	resolveFirstPending(t, resolver, permission.Resolution{Kind: permission.ResolutionApproveOnce})

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)
	result, err := turn.Run(context.Background(), "run ls")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := tool.execCount.Load(); got != 1 {
		t.Errorf("tool executed %d times, want 1", got)
	}
	if result.ToolCalls[0].IsError {
		t.Errorf("record = %+v", result.ToolCalls[0])
	}

	// Approve-once leaves no grant behind.
	granted, err := store.IsToolGranted(context.Background(), "shell")
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Error("approve-once must not persist a grant")
	}
}

func TestTurn_ApprovalDeny(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", models.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{"cmd":"rm -rf /"}`)}),
			textChunks("understood", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	store := permission.NewMemoryStore()
	resolver := permission.NewResolver(store, 0)

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(store, permission.PolicyInteractive)
	config.Resolver = resolver

	resolveFirstPending(t, resolver, permission.Resolution{
		Kind:   permission.ResolutionDeny,
		Reason: "looks destructive",
	})

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)
	result, err := turn.Run(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := tool.execCount.Load(); got != 0 {
		t.Errorf("denied tool executed %d times", got)
	}
	rec := result.ToolCalls[0]
	if !rec.Denied {
		t.Error("record should be denied")
	}
	if !strings.Contains(rec.Result, "looks destructive") {
		t.Errorf("result = %q, want the denial reason", rec.Result)
	}
}

func TestTurn_ApprovalTrustToolTakesEffectNextRound(t *testing.T) {
	call := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "shell", Input: json.RawMessage(`{"cmd":"ls"}`)}
	}
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", call("c1")),
			toolChunks("", call("c2")),
			textChunks("done", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	store := permission.NewMemoryStore()
	resolver := permission.NewResolver(store, 0)

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(store, permission.PolicyInteractive)
	config.Resolver = resolver

	resolveFirstPending(t, resolver, permission.Resolution{Kind: permission.ResolutionTrustTool})

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)
	result, err := turn.Run(context.Background(), "run ls twice")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Round one needed a resolution; round two rode the fresh grant with no
	// second proposal.
	if got := tool.execCount.Load(); got != 2 {
		t.Errorf("tool executed %d times, want 2", got)
	}
	for _, rec := range result.ToolCalls {
		if rec.Denied || rec.IsError {
			t.Errorf("record = %+v", rec)
		}
	}
	if pending := resolver.Pending(); len(pending) != 0 {
		t.Errorf("pending proposals = %d, want 0", len(pending))
	}
}

func TestTurn_NoResolverDeniesApprovalRequired(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("", models.ToolCall{ID: "c1", Name: "shell", Input: json.RawMessage(`{}`)}),
			textChunks("ok", StopEndTurn),
		},
	}

	tool := &mockTool{name: "shell"}
	registry := NewToolRegistry()
	registry.Register(tool)

	config := DefaultTurnConfig()
	config.Authorizer = permission.NewAuthorizer(permission.NewMemoryStore(), permission.PolicyInteractive)

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)
	result, err := turn.Run(context.Background(), "run")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := tool.execCount.Load(); got != 0 {
		t.Errorf("tool executed %d times", got)
	}
	if !strings.Contains(result.ToolCalls[0].Result, "no approver configured") {
		t.Errorf("result = %q", result.ToolCalls[0].Result)
	}
}

func TestTurn_Cancellation(t *testing.T) {
	provider := &turnTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 1)
			go func() {
				defer close(ch)
				<-ctx.Done()
				ch <- &CompletionChunk{Err: ctx.Err()}
			}()
			return ch, nil
		},
	}

	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := turn.Run(ctx, "hi")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
	if turn.State() != StateFailed {
		t.Errorf("state = %s, want failed", turn.State())
	}
}

func TestTurn_RateLimitKeepsLatest(t *testing.T) {
	first := textChunks("one", StopPauseTurn)
	first[len(first)-1].RateLimit = &RateLimit{RemainingRequests: 10}
	second := textChunks("two", StopEndTurn)
	second[len(second)-1].RateLimit = &RateLimit{RemainingRequests: 9}

	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{first, second},
	}
	turn := NewTurn(provider, nil, conversation.NewHistory(), nil)

	result, err := turn.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.RateLimit == nil || result.RateLimit.RemainingRequests != 9 {
		t.Errorf("rate limit = %+v, want the latest snapshot", result.RateLimit)
	}
}

func TestTurn_IllegalTransitionPanics(t *testing.T) {
	turn := NewTurn(&turnTestProvider{}, nil, conversation.NewHistory(), nil)
	turn.state = StateCompleted

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on transition out of a terminal state")
		}
	}()
	turn.transition(StateAwaitingModel)
}

func TestTurn_EventSequence(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			toolChunks("checking", models.ToolCall{ID: "c1", Name: "noop", Input: json.RawMessage(`{}`)}),
			textChunks("done", StopEndTurn),
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{name: "noop"})

	var mu sync.Mutex
	var events []models.AgentEvent
	config := DefaultTurnConfig()
	config.Sink = NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	turn := NewTurn(provider, registry, conversation.NewHistory(), config)
	if _, err := turn.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if events[0].Type != models.AgentEventTurnStarted {
		t.Errorf("first event = %s", events[0].Type)
	}
	if events[len(events)-1].Type != models.AgentEventTurnFinished {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}

	var lastSeq uint64
	counts := map[models.AgentEventType]int{}
	for i, e := range events {
		if i > 0 && e.Sequence <= lastSeq {
			t.Errorf("sequence not increasing at %d: %d after %d", i, e.Sequence, lastSeq)
		}
		lastSeq = e.Sequence
		if e.TurnID != turn.ID() {
			t.Errorf("event %d has turn ID %q", i, e.TurnID)
		}
		counts[e.Type]++
	}

	if counts[models.AgentEventModelStarted] != 2 || counts[models.AgentEventModelCompleted] != 2 {
		t.Errorf("model events = %d/%d, want 2/2",
			counts[models.AgentEventModelStarted], counts[models.AgentEventModelCompleted])
	}
	if counts[models.AgentEventToolStarted] != 1 || counts[models.AgentEventToolFinished] != 1 {
		t.Errorf("tool events = %d/%d, want 1/1",
			counts[models.AgentEventToolStarted], counts[models.AgentEventToolFinished])
	}
	if counts[models.AgentEventContextPacked] != 2 {
		t.Errorf("context packed events = %d, want 2", counts[models.AgentEventContextPacked])
	}
	if counts[models.AgentEventModelDelta] == 0 {
		t.Error("expected streaming delta events")
	}
}

func TestTurn_WindowRespectsContextBudget(t *testing.T) {
	provider := &turnTestProvider{
		responses: [][]*CompletionChunk{
			textChunks("short answer", StopEndTurn),
		},
	}

	// Preload history far beyond a small budget.
	history := conversation.NewHistory()
	for i := 0; i < 50; i++ {
		history.Append(models.Message{
			ID:      "m",
			Role:    models.RoleUser,
			Content: strings.Repeat("filler words ", 40),
		})
	}

	config := DefaultTurnConfig()
	config.ContextWindow = 500

	turn := NewTurn(provider, nil, history, config)
	if _, err := turn.Run(context.Background(), "latest question"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	req := provider.request(0)
	if req == nil {
		t.Fatal("missing request")
	}
	if len(req.Messages) >= 51 {
		t.Errorf("window has %d messages; budget should have trimmed it", len(req.Messages))
	}
	// The newest message always survives selection.
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "latest question" {
		t.Errorf("last window message = %q", last.Content)
	}
}
