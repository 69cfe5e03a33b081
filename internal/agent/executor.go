package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrent limits the number of parallel tool executions.
	// Default: 12. Values below 1 are raised to 1.
	MaxConcurrent int

	// DefaultTimeout is the per-call execution timeout.
	// Default: 60s.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrent:  12,
		DefaultTimeout: 60 * time.Second,
	}
}

// Executor runs tool calls in parallel under a concurrency cap. Admission is
// first-requested-first-admitted; completion order is free. Panics and errors
// in one call never affect its siblings.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	emitter  *EventEmitter

	// Semaphore for concurrency limiting
	sem chan struct{}

	// Metrics
	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks executor performance counters.
type ExecutorMetrics struct {
	mu                 sync.Mutex
	TotalExecutions    int64
	TotalFailures      int64
	TotalTimeouts      int64
	TotalPanics        int64
	TotalInvalidInputs int64
}

// NewExecutor creates a parallel tool executor over the given registry.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}

	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrent),
		metrics:  &ExecutorMetrics{},
	}
}

// SetEmitter attaches an event emitter for tool lifecycle events.
// Must be called before ExecuteBatch; not safe to change mid-batch.
func (e *Executor) SetEmitter(emitter *EventEmitter) {
	e.emitter = emitter
}

// ToolOutcome holds the result of a single tool execution.
type ToolOutcome struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Err        error
	Duration   time.Duration
}

// Failed reports whether the call produced an error or error result.
func (o *ToolOutcome) Failed() bool {
	return o.Err != nil || (o.Result != nil && o.Result.IsError)
}

// ResultContent renders the outcome as model-visible text. Failures use the
// "Error: <message>" form the model is prompted to recognize.
func (o *ToolOutcome) ResultContent() string {
	if o.Err != nil {
		msg := o.Err.Error()
		if toolErr, ok := GetToolError(o.Err); ok && toolErr.Message != "" {
			msg = toolErr.Message
		}
		return "Error: " + msg
	}
	if o.Result != nil {
		return o.Result.Content
	}
	return ""
}

// ExecuteBatch executes tool calls in parallel with FIFO admission: slots are
// granted in request order, so calls[0] never waits behind calls[3]. Outcomes
// are returned in the same order as the input calls.
//
// Cancelling ctx stops admitting new calls; calls already running receive the
// cancelled context and their late results are discarded.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall) []ToolOutcome {
	if len(calls) == 0 {
		return nil
	}

	outcomes := make([]ToolOutcome, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		// Admission happens here, in request order, not inside the
		// goroutine where select order would be random.
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(calls); j++ {
				outcomes[j] = e.cancelledOutcome(calls[j], ctx.Err())
			}
			wg.Wait()
			return outcomes
		}

		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			defer func() { <-e.sem }()
			outcomes[idx] = e.execute(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return outcomes
}

func (e *Executor) cancelledOutcome(call models.ToolCall, cause error) ToolOutcome {
	return ToolOutcome{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Err: NewToolError(call.Name, cause).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage("cancelled before execution"),
	}
}

// execute runs one admitted call: validates input, executes with timeout and
// panic isolation, and emits tool lifecycle events.
func (e *Executor) execute(ctx context.Context, call models.ToolCall) ToolOutcome {
	start := time.Now()
	outcome := ToolOutcome{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	if e.emitter != nil {
		e.emitter.ToolStarted(ctx, call.ID, call.Name, call.Input)
	}
	finish := func(o ToolOutcome) ToolOutcome {
		o.Duration = time.Since(start)
		if e.emitter != nil {
			e.emitter.ToolFinished(ctx, call.ID, call.Name, !o.Failed(), o.ResultContent(), o.Duration)
		}
		return o
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.count(func(m *ExecutorMetrics) { m.TotalExecutions++; m.TotalFailures++ })
		outcome.Err = NewToolError(call.Name, ErrToolNotFound).
			WithToolCallID(call.ID).
			WithMessage("tool not found: " + call.Name)
		return finish(outcome)
	}

	if err := e.validateInput(tool, call.Input); err != nil {
		e.count(func(m *ExecutorMetrics) { m.TotalExecutions++; m.TotalFailures++; m.TotalInvalidInputs++ })
		outcome.Err = NewToolError(call.Name, err).
			WithType(ToolErrorInvalidInput).
			WithToolCallID(call.ID).
			WithMessage(err.Error())
		return finish(outcome)
	}

	result, err := e.executeWithTimeout(ctx, tool, call, e.config.DefaultTimeout)
	if err != nil {
		e.count(func(m *ExecutorMetrics) {
			m.TotalExecutions++
			m.TotalFailures++
			if toolErr, ok := GetToolError(err); ok {
				switch toolErr.Type {
				case ToolErrorTimeout:
					m.TotalTimeouts++
				case ToolErrorPanic:
					m.TotalPanics++
				}
			}
		})
		outcome.Err = err
		return finish(outcome)
	}

	e.count(func(m *ExecutorMetrics) { m.TotalExecutions++ })
	outcome.Result = result
	return finish(outcome)
}

// validateInput enforces the tool input contract: the input must be a JSON
// object, and must satisfy the tool's schema when one is declared.
func (e *Executor) validateInput(tool Tool, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return fmt.Errorf("tool input must be a JSON object, got %s", jsonTypeName(decoded))
	}

	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileToolSchema(schema)
	if err != nil {
		return fmt.Errorf("tool schema is invalid: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool input rejected by schema: %w", err)
	}
	return nil
}

var toolSchemaCache sync.Map

func compileToolSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := toolSchemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// executeWithTimeout executes a tool call with a timeout and panic recovery.
// A call that outlives its context keeps running in its goroutine, but its
// eventual result lands in an abandoned buffered channel and is never used.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage(fmt.Sprintf("tool panicked: %v", r))
				resultCh <- execResult{err: err}
			}
		}()

		result, err := tool.Execute(execCtx, call.Input)
		if err != nil {
			toolErr := NewToolError(call.Name, err).WithToolCallID(call.ID)
			resultCh <- execResult{err: toolErr}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent context cancelled
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("cancelled during execution")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func (e *Executor) count(fn func(*ExecutorMetrics)) {
	e.metrics.mu.Lock()
	fn(e.metrics)
	e.metrics.mu.Unlock()
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions:    e.metrics.TotalExecutions,
		TotalFailures:      e.metrics.TotalFailures,
		TotalTimeouts:      e.metrics.TotalTimeouts,
		TotalPanics:        e.metrics.TotalPanics,
		TotalInvalidInputs: e.metrics.TotalInvalidInputs,
	}
}

// ExecutorMetricsSnapshot is a point-in-time copy of executor metrics.
type ExecutorMetricsSnapshot struct {
	TotalExecutions    int64
	TotalFailures      int64
	TotalTimeouts      int64
	TotalPanics        int64
	TotalInvalidInputs int64
}

// OutcomesToResults converts execution outcomes to tool result messages
// suitable for conversation history.
func OutcomesToResults(outcomes []ToolOutcome) []models.ToolResult {
	results := make([]models.ToolResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = models.ToolResult{
			ToolCallID: o.ToolCallID,
			Content:    o.ResultContent(),
			IsError:    o.Failed(),
		}
	}
	return results
}

// AnyFailed returns true if any outcome contains an error or failure.
func AnyFailed(outcomes []ToolOutcome) bool {
	for i := range outcomes {
		if outcomes[i].Failed() {
			return true
		}
	}
	return false
}
