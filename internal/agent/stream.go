package agent

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// StreamAccumulator assembles a CompletionResponse from streaming chunks
// while enforcing block ordering: blocks must open at the next unused index,
// deltas must target an open block of the matching type, and nothing may
// arrive after the done chunk. Violations return protocol errors; the caller
// must not retry them.
//
// The accumulator is not safe for concurrent use; feed it from the single
// goroutine draining the provider channel.
type StreamAccumulator struct {
	builders   []*blockBuilder
	stopReason StopReason
	usage      models.TokenUsage
	rateLimit  *RateLimit
	done       bool
}

type blockBuilder struct {
	blockType BlockType
	toolID    string
	toolName  string
	text      strings.Builder
	input     strings.Builder
	closed    bool
}

// NewStreamAccumulator creates an empty accumulator for one model call.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Feed applies one chunk. A non-nil error is always a protocol violation.
func (a *StreamAccumulator) Feed(chunk *CompletionChunk) error {
	if chunk == nil {
		return NewProtocolError("nil chunk")
	}
	if a.done {
		return NewProtocolError("%s chunk after done", chunk.Kind)
	}
	if chunk.RateLimit != nil {
		a.rateLimit = chunk.RateLimit
	}

	switch chunk.Kind {
	case ChunkBlockStart:
		return a.startBlock(chunk)
	case ChunkTextDelta:
		return a.appendDelta(chunk, BlockText)
	case ChunkThinkingDelta:
		return a.appendDelta(chunk, BlockThinking)
	case ChunkInputJSONDelta:
		return a.appendDelta(chunk, BlockToolUse)
	case ChunkBlockStop:
		return a.stopBlock(chunk)
	case ChunkDone:
		a.done = true
		a.stopReason = chunk.StopReason
		if chunk.Usage != nil {
			a.usage = *chunk.Usage
		}
		return nil
	default:
		return NewProtocolError("unknown chunk kind %q", chunk.Kind)
	}
}

func (a *StreamAccumulator) startBlock(chunk *CompletionChunk) error {
	if chunk.Index != len(a.builders) {
		return NewProtocolError("block_start index %d, expected %d", chunk.Index, len(a.builders))
	}

	b := &blockBuilder{blockType: chunk.BlockType}
	switch chunk.BlockType {
	case BlockText, BlockThinking:
	case BlockToolUse:
		if chunk.ToolID == "" || chunk.ToolName == "" {
			return NewProtocolError("tool_use block %d missing id or name", chunk.Index)
		}
		b.toolID = chunk.ToolID
		b.toolName = chunk.ToolName
	default:
		return NewProtocolError("block_start with unknown block type %q", chunk.BlockType)
	}

	a.builders = append(a.builders, b)
	return nil
}

func (a *StreamAccumulator) appendDelta(chunk *CompletionChunk, want BlockType) error {
	if chunk.Index < 0 || chunk.Index >= len(a.builders) {
		return NewProtocolError("%s for unopened block %d", chunk.Kind, chunk.Index)
	}
	b := a.builders[chunk.Index]
	if b.closed {
		return NewProtocolError("%s for closed block %d", chunk.Kind, chunk.Index)
	}
	if b.blockType != want {
		return NewProtocolError("%s for %s block %d", chunk.Kind, b.blockType, chunk.Index)
	}

	if want == BlockToolUse {
		b.input.WriteString(chunk.Delta)
	} else {
		b.text.WriteString(chunk.Delta)
	}
	return nil
}

func (a *StreamAccumulator) stopBlock(chunk *CompletionChunk) error {
	if chunk.Index < 0 || chunk.Index >= len(a.builders) {
		return NewProtocolError("block_stop for unopened block %d", chunk.Index)
	}
	b := a.builders[chunk.Index]
	if b.closed {
		return NewProtocolError("duplicate block_stop for block %d", chunk.Index)
	}
	b.closed = true
	return nil
}

// Done reports whether the done chunk has arrived.
func (a *StreamAccumulator) Done() bool {
	return a.done
}

// Response assembles the accumulated blocks. It fails if the stream never
// finished or a tool block carries malformed input JSON.
func (a *StreamAccumulator) Response() (*CompletionResponse, error) {
	if !a.done {
		return nil, NewProtocolError("stream ended without done chunk")
	}

	resp := &CompletionResponse{
		StopReason: a.stopReason,
		Usage:      a.usage,
		RateLimit:  a.rateLimit,
	}
	if resp.StopReason == "" {
		resp.StopReason = StopUnknown
	}

	var text, thinking strings.Builder
	for i, b := range a.builders {
		switch b.blockType {
		case BlockText:
			text.WriteString(b.text.String())
		case BlockThinking:
			thinking.WriteString(b.text.String())
		case BlockToolUse:
			input := b.input.String()
			if input == "" {
				input = "{}"
			}
			if !json.Valid([]byte(input)) {
				return nil, NewProtocolError("tool block %d has malformed input JSON", i)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    b.toolID,
				Name:  b.toolName,
				Input: json.RawMessage(input),
			})
		}
	}
	resp.Text = text.String()
	resp.Thinking = thinking.String()

	return resp, nil
}
