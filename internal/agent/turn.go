package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/conductor/internal/conversation"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/pkg/models"
)

// TurnState identifies a stage of the turn state machine.
type TurnState string

const (
	// StateAwaitingModel means a model call is in flight or about to start.
	StateAwaitingModel TurnState = "awaiting_model"

	// StateModelResponded means a complete response has been accumulated.
	StateModelResponded TurnState = "model_responded"

	// StateAwaitingToolApproval means tool calls are being authorized.
	StateAwaitingToolApproval TurnState = "awaiting_tool_approval"

	// StateExecutingTools means approved tool calls are running.
	StateExecutingTools TurnState = "executing_tools"

	// StateCompleted is terminal: the model finished without requesting tools.
	StateCompleted TurnState = "completed"

	// StateFailed is terminal: the turn raised an error.
	StateFailed TurnState = "failed"
)

// turnTransitions lists the legal successor states for each state.
// Terminal states have none.
var turnTransitions = map[TurnState][]TurnState{
	StateAwaitingModel:        {StateModelResponded, StateFailed},
	StateModelResponded:       {StateCompleted, StateAwaitingToolApproval, StateAwaitingModel, StateFailed},
	StateAwaitingToolApproval: {StateExecutingTools, StateFailed},
	StateExecutingTools:       {StateAwaitingModel, StateFailed},
	StateCompleted:            {},
	StateFailed:               {},
}

// Turn drives one conversational turn: call the model, execute any tools it
// requests, feed the results back, and repeat until the model stops asking.
//
// The turn operates as a state machine:
//
//	                 ┌────────────────────────────────────────────┐
//	                 │                                            │
//	                 ▼                                            │
//	        ┌────────────────┐      ┌─────────────────┐           │
//	        │ AwaitingModel  │─────▶│ ModelResponded  │           │
//	        └────────────────┘      └─────────────────┘           │
//	                 ▲                │     │      │              │
//	      pause_turn └────────────────┘     │      │ end_turn     │
//	                                        ▼      ▼              │
//	                 ┌──────────────────────┐    ┌───────────┐    │
//	                 │ AwaitingToolApproval │    │ Completed │    │
//	                 └──────────────────────┘    └───────────┘    │
//	                                        │                     │
//	                                        ▼                     │
//	                 ┌──────────────────────┐                     │
//	                 │   ExecutingTools     │─────────────────────┘
//	                 └──────────────────────┘
//
// Any state may move to Failed. Illegal transitions are programmer errors
// and panic. A Turn is single use: Run may be called once.
type Turn struct {
	id       string
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	history  *conversation.History
	emitter  *EventEmitter
	config   *TurnConfig

	state TurnState
	used  atomic.Bool

	records    []ToolCallRecord
	usage      models.TokenUsage
	modelCalls int
	toolRounds int
	rateLimit  *RateLimit
}

// NewTurn creates a single-use turn over the given history.
// If config is nil, DefaultTurnConfig is used. The registry may be nil for
// turns that offer no tools.
func NewTurn(provider LLMProvider, registry *ToolRegistry, history *conversation.History, config *TurnConfig) *Turn {
	config = sanitizeTurnConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	if history == nil {
		history = conversation.NewHistory()
	}

	id := uuid.NewString()
	emitter := NewEventEmitter(id, config.Sink)

	executor := NewExecutor(registry, config.ExecutorConfig)
	executor.SetEmitter(emitter)

	return &Turn{
		id:       id,
		provider: provider,
		registry: registry,
		executor: executor,
		history:  history,
		emitter:  emitter,
		config:   config,
		state:    StateAwaitingModel,
	}
}

// ID returns the turn identifier carried on every event.
func (t *Turn) ID() string { return t.id }

// State returns the current state of the turn.
func (t *Turn) State() TurnState { return t.state }

// transition moves the state machine to the given state.
// An illegal transition is a bug in the turn loop, not a runtime condition,
// so it panics.
func (t *Turn) transition(to TurnState) {
	for _, allowed := range turnTransitions[t.state] {
		if allowed == to {
			t.state = to
			return
		}
	}
	panic(fmt.Sprintf("agent: illegal turn transition %s -> %s", t.state, to))
}

// ToolCallRecord captures one tool call made during the turn, for the result
// summary. Denied calls carry the denial reason as their result.
type ToolCallRecord struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Result   string          `json:"result,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Denied   bool            `json:"denied,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	// Text is the model's final reply.
	Text string `json:"text"`

	// ToolCalls lists every tool call made during the turn, in order.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// Usage is token usage summed across all model calls.
	Usage models.TokenUsage `json:"usage"`

	// ModelCalls counts round-trips to the provider.
	ModelCalls int `json:"model_calls"`

	// Duration is wall time for the whole turn.
	Duration time.Duration `json:"duration"`

	// RateLimit is the most recent provider rate-limit snapshot, if any.
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
}

// Run executes the turn for the given user message and blocks until the
// model completes, a limit is hit, or ctx is cancelled. History gains the
// user message, every assistant message, and every tool-result message as
// they are produced; on failure the partial history is kept.
func (t *Turn) Run(ctx context.Context, userMessage string) (*TurnResult, error) {
	if !t.used.CompareAndSwap(false, true) {
		return nil, NewAgentError(CodeValidation, "turn already consumed")
	}
	if t.provider == nil {
		return nil, ErrNoProvider
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, NewAgentError(CodeValidation, "user message is empty")
	}

	start := time.Now()
	t.emitter.TurnStarted(ctx)

	t.history.Append(models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now(),
	})

	result, err := t.loop(ctx)
	elapsed := time.Since(start)

	if err != nil {
		if CodeOf(err) == CodeCancelled {
			t.emitter.TurnCancelled(ctx, err)
		} else {
			t.emitter.TurnError(ctx, err)
		}
		return nil, err
	}

	result.Duration = elapsed
	t.emitter.TurnFinished(ctx, &models.TurnStats{
		TurnID:     t.id,
		StartedAt:  start,
		FinishedAt: start.Add(elapsed),
		WallTime:   elapsed,
		Rounds:     t.toolRounds,
		ModelCalls: t.modelCalls,
		ToolCalls:  len(t.records),
	})
	return result, nil
}

// loop runs model round-trips until a terminal stop reason or a failure.
func (t *Turn) loop(ctx context.Context) (*TurnResult, error) {
	for round := 0; ; round++ {
		t.emitter.SetRound(round)

		if err := ctx.Err(); err != nil {
			return nil, t.fail(WrapError(CodeCancelled, err, "turn cancelled"))
		}

		resp, err := t.callModel(ctx)
		if err != nil {
			return nil, t.fail(err)
		}
		t.transition(StateModelResponded)

		if resp.Text == "" && len(resp.ToolCalls) == 0 {
			return nil, t.fail(NewAgentError(CodeEmptyResponse, "model returned neither text nor tool calls"))
		}

		t.appendAssistant(resp)

		switch resp.StopReason {
		case StopToolUse:
			if len(resp.ToolCalls) == 0 {
				return nil, t.fail(NewProtocolError("stop reason tool_use with no tool calls"))
			}
			if t.toolRounds >= t.config.MaxToolRounds {
				return nil, t.fail(NewAgentError(CodeTurnLimit,
					fmt.Sprintf("exceeded %d tool rounds", t.config.MaxToolRounds)))
			}
			t.toolRounds++

			if err := t.toolRound(ctx, resp.ToolCalls); err != nil {
				return nil, t.fail(err)
			}
			// Next round-trip carries the results back to the model.

		case StopEndTurn, StopSequence:
			t.transition(StateCompleted)
			return &TurnResult{
				Text:       resp.Text,
				ToolCalls:  t.records,
				Usage:      t.usage,
				ModelCalls: t.modelCalls,
				RateLimit:  t.rateLimit,
			}, nil

		case StopPauseTurn:
			// The provider paused mid-turn. Re-issue the call with history
			// as accumulated; no tools run in between.
			t.transition(StateAwaitingModel)

		case StopMaxTokens:
			return nil, t.fail(NewAgentError(CodeMaxTokens, "response truncated at max tokens"))

		case StopContentFiltered:
			return nil, t.fail(NewAgentError(CodeContentFiltered, "response blocked by content filter"))

		default:
			return nil, t.fail(NewAgentError(CodeUnexpectedStop,
				fmt.Sprintf("unexpected stop reason %q", resp.StopReason)))
		}
	}
}

// fail moves to the Failed state and passes the error through.
func (t *Turn) fail(err error) error {
	if t.state != StateFailed {
		t.transition(StateFailed)
	}
	return err
}

// callModel selects the context window, issues one provider call, and
// accumulates the stream into a response.
func (t *Turn) callModel(ctx context.Context) (*CompletionResponse, error) {
	budget := conversation.NewBudget(t.config.ContextWindow)
	window, usage := conversation.SelectWindow(t.history.Messages(), budget, t.config.Estimator)
	t.emitter.ContextPacked(ctx, budget.MaxTokens, usage.ContextTokens,
		usage.TotalMessages, usage.ContextMessages, usage.OverBudget)

	req := &CompletionRequest{
		Model:       t.config.Model,
		System:      t.config.SystemPrompt,
		Messages:    window,
		Tools:       t.registry.Definitions(),
		MaxTokens:   t.config.MaxTokens,
		Temperature: t.config.Temperature,
	}
	if t.config.EnableThinking {
		req.EnableThinking = true
		req.ThinkingBudgetTokens = t.config.ThinkingBudgetTokens
	}

	t.emitter.ModelStarted(ctx, t.provider.Name(), req.Model)

	stream, err := t.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := NewStreamAccumulator()
	for chunk := range stream {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		// Deltas surface to subscribers before accumulation so they are
		// observable even when the stream later fails.
		switch chunk.Kind {
		case ChunkTextDelta:
			t.emitter.ModelDelta(ctx, chunk.Delta, chunk.Index, false)
		case ChunkThinkingDelta:
			t.emitter.ModelDelta(ctx, chunk.Delta, chunk.Index, true)
		}
		if err := acc.Feed(chunk); err != nil {
			return nil, err
		}
	}

	resp, err := acc.Response()
	if err != nil {
		return nil, err
	}

	t.modelCalls++
	t.usage.Add(resp.Usage)
	if resp.RateLimit != nil {
		t.rateLimit = resp.RateLimit
	}
	t.emitter.ModelCompleted(ctx, t.provider.Name(), req.Model, resp.StopReason, resp.Usage)
	return resp, nil
}

// appendAssistant records the model response in history.
func (t *Turn) appendAssistant(resp *CompletionResponse) {
	t.history.Append(models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
		CreatedAt: time.Now(),
	})
}

// toolRound authorizes the batch, executes the approved calls, and appends
// one tool-result message covering every call in request order.
func (t *Turn) toolRound(ctx context.Context, calls []models.ToolCall) error {
	t.transition(StateAwaitingToolApproval)

	approved, denied, err := t.authorizeCalls(ctx, calls)
	if err != nil {
		return err
	}

	t.transition(StateExecutingTools)

	outcomes := t.executor.ExecuteBatch(ctx, approved)
	byCallID := make(map[string]*ToolOutcome, len(outcomes))
	for i := range outcomes {
		byCallID[outcomes[i].ToolCallID] = &outcomes[i]
	}

	// Merge executed and denied results back into request order.
	results := make([]models.ToolResult, 0, len(calls))
	for _, tc := range calls {
		record := ToolCallRecord{
			CallID: tc.ID,
			Name:   tc.Name,
			Input:  tc.Input,
		}
		var res models.ToolResult
		if deniedRes, ok := denied[tc.ID]; ok {
			res = deniedRes
			record.Denied = true
		} else if outcome, ok := byCallID[tc.ID]; ok {
			res = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    outcome.ResultContent(),
				IsError:    outcome.Failed(),
			}
			record.Duration = outcome.Duration
		} else {
			res = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "Error: tool call produced no outcome",
				IsError:    true,
			}
		}
		record.Result = res.Content
		record.IsError = res.IsError
		results = append(results, res)
		t.records = append(t.records, record)
	}

	t.history.Append(models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	})

	// Results are in history before the cancellation surfaces, so a resumed
	// session sees the work that finished.
	if err := ctx.Err(); err != nil {
		return WrapError(CodeCancelled, err, "turn cancelled during tool execution")
	}

	t.transition(StateAwaitingModel)
	return nil
}

// authorizeCalls checks every call against the grant store and gathers user
// resolutions for the ones that need approval. Decisions are made against
// the store as it stood when the batch arrived: a trust grant recorded while
// the batch is pending does not auto-approve a sibling call, it takes effect
// from the next round.
func (t *Turn) authorizeCalls(ctx context.Context, calls []models.ToolCall) ([]models.ToolCall, map[string]models.ToolResult, error) {
	denied := make(map[string]models.ToolResult, len(calls))

	if t.config.Authorizer == nil {
		return calls, denied, nil
	}

	type pendingCall struct {
		call     models.ToolCall
		proposal permission.Proposal
	}
	var pending []pendingCall
	allowed := make(map[string]bool, len(calls))

	for _, tc := range calls {
		decision, err := t.config.Authorizer.Authorize(ctx, tc.Name, tc.Input)
		if err != nil {
			// A store failure poisons one call, not the turn.
			denied[tc.ID] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "Error: permission check failed: " + err.Error(),
				IsError:    true,
			}
			continue
		}

		switch decision.Outcome {
		case permission.OutcomeApproved:
			allowed[tc.ID] = true

		case permission.OutcomeDenied:
			denied[tc.ID] = t.denyResult(tc, decision.Reason)

		case permission.OutcomeRequiresApproval:
			if t.config.Resolver == nil {
				denied[tc.ID] = t.denyResult(tc, "no approver configured")
				continue
			}
			p := t.config.Resolver.Propose(tc.Name, tc.ID, decision.Signature, tc.Input)
			t.emitter.PermissionRequired(ctx, p)
			pending = append(pending, pendingCall{call: tc, proposal: p})
		}
	}

	for _, pc := range pending {
		res, err := t.config.Resolver.Await(ctx, pc.proposal.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, WrapError(CodeCancelled, err, "turn cancelled while awaiting approval")
			}
			denied[pc.call.ID] = t.denyResult(pc.call, "approval failed: "+err.Error())
			continue
		}
		t.emitter.PermissionResolved(ctx, pc.proposal, res)

		if res.Kind.Allows() {
			allowed[pc.call.ID] = true
			continue
		}
		reason := res.Reason
		if reason == "" {
			reason = "denied by user"
		}
		denied[pc.call.ID] = t.denyResult(pc.call, reason)
	}

	// The executor admits in slice order, so the approved batch keeps the
	// model's request order regardless of how approvals interleaved.
	approved := make([]models.ToolCall, 0, len(allowed))
	for _, tc := range calls {
		if allowed[tc.ID] {
			approved = append(approved, tc)
		}
	}
	return approved, denied, nil
}

func (t *Turn) denyResult(tc models.ToolCall, reason string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: tc.ID,
		Content:    "Error: " + NewPermissionDenied(tc.Name, reason).Message,
		IsError:    true,
	}
}
