package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// defaultMaxRetries is the retry budget applied when a provider config does
// not set one. Retries count attempts after the initial try, so the total
// number of tries is maxRetries+1.
const defaultMaxRetries = 3

// runWithRetry drives one provider attempt at a time until an attempt
// succeeds, delivers output, or the retry budget is spent.
//
// attempt reports whether any chunk reached the consumer and the terminal
// error of that try. Once output has flowed downstream the stream cannot be
// restarted transparently, so later failures are returned to the caller
// instead of retried. Backoff sleeps respect ctx; cancellation during a
// sleep returns ctx.Err().
func runWithRetry(ctx context.Context, policy backoff.BackoffPolicy, maxRetries int, attempt func() (delivered bool, err error)) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for try := 0; try <= maxRetries; try++ {
		delivered, err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if delivered || !IsRetryable(err) || try == maxRetries {
			return lastErr
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, policy, try+1); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

// blockWriter synthesizes the block-addressed chunk protocol for backends
// whose stream APIs do not expose content block boundaries. OpenAI-style
// APIs stream bare text deltas; Bedrock only marks block starts for tool
// use; Gemini delivers whole function calls. The writer assigns local block
// indices in arrival order and guarantees every opened block is closed
// before the next one opens, which is exactly what the accumulator checks.
//
// Not safe for concurrent use; each stream pump owns one writer.
type blockWriter struct {
	send func(*agent.CompletionChunk) bool

	next int
	cur  int
	open bool
	kind agent.BlockType
}

func newBlockWriter(send func(*agent.CompletionChunk) bool) *blockWriter {
	return &blockWriter{send: send}
}

// text appends a fragment to the current text block, opening one if needed.
func (w *blockWriter) text(delta string) bool {
	if delta == "" {
		return true
	}
	if !w.ensure(agent.BlockText, "", "") {
		return false
	}
	return w.send(&agent.CompletionChunk{
		Kind:  agent.ChunkTextDelta,
		Index: w.cur,
		Delta: delta,
	})
}

// thinking appends a fragment to the current thinking block.
func (w *blockWriter) thinking(delta string) bool {
	if delta == "" {
		return true
	}
	if !w.ensure(agent.BlockThinking, "", "") {
		return false
	}
	return w.send(&agent.CompletionChunk{
		Kind:  agent.ChunkThinkingDelta,
		Index: w.cur,
		Delta: delta,
	})
}

// startTool opens a tool_use block for streamed input fragments.
func (w *blockWriter) startTool(id, name string) bool {
	if !w.closeOpen() {
		return false
	}
	return w.openBlock(agent.BlockToolUse, id, name)
}

// toolInput appends an input JSON fragment to the open tool block. Calling
// it without an open tool block is a pump bug; the fragment is dropped
// rather than corrupting an unrelated block.
func (w *blockWriter) toolInput(delta string) bool {
	if delta == "" || !w.open || w.kind != agent.BlockToolUse {
		return true
	}
	return w.send(&agent.CompletionChunk{
		Kind:  agent.ChunkInputJSONDelta,
		Index: w.cur,
		Delta: delta,
	})
}

// toolCall emits a complete tool_use block in one shot: start, the full
// input as a single fragment, stop. Used by backends that deliver tool
// calls whole rather than streamed.
func (w *blockWriter) toolCall(id, name string, input json.RawMessage) bool {
	if !w.startTool(id, name) {
		return false
	}
	if len(input) > 0 {
		if !w.toolInput(string(input)) {
			return false
		}
	}
	return w.closeOpen()
}

// closeOpen closes the currently open block, if any.
func (w *blockWriter) closeOpen() bool {
	if !w.open {
		return true
	}
	ok := w.send(&agent.CompletionChunk{
		Kind:  agent.ChunkBlockStop,
		Index: w.cur,
	})
	w.open = false
	w.next = w.cur + 1
	return ok
}

// done closes any open block and terminates the stream.
func (w *blockWriter) done(stop agent.StopReason, usage *models.TokenUsage, rl *agent.RateLimit) bool {
	if !w.closeOpen() {
		return false
	}
	return w.send(&agent.CompletionChunk{
		Kind:       agent.ChunkDone,
		StopReason: stop,
		Usage:      usage,
		RateLimit:  rl,
	})
}

func (w *blockWriter) ensure(kind agent.BlockType, id, name string) bool {
	if w.open && w.kind == kind {
		return true
	}
	if !w.closeOpen() {
		return false
	}
	return w.openBlock(kind, id, name)
}

func (w *blockWriter) openBlock(kind agent.BlockType, id, name string) bool {
	w.cur = w.next
	w.open = true
	w.kind = kind
	return w.send(&agent.CompletionChunk{
		Kind:      agent.ChunkBlockStart,
		Index:     w.cur,
		BlockType: kind,
		ToolID:    id,
		ToolName:  name,
	})
}
