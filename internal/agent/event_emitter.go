package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/pkg/models"
)

// EventEmitter generates and dispatches AgentEvents with proper sequencing.
// It is the single construction point for events so every consumer observes
// the same publish order.
type EventEmitter struct {
	turnID   string
	sequence uint64 // atomic counter for monotonic sequencing
	round    int
	sink     EventSink
}

// NewEventEmitter creates an event emitter for one turn.
// A nil sink discards events.
func NewEventEmitter(turnID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		turnID: turnID,
		sink:   sink,
	}
}

// SetRound updates the current tool round index.
func (e *EventEmitter) SetRound(round int) {
	e.round = round
}

// nextSeq returns the next sequence number (atomic, monotonic).
func (e *EventEmitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

// base creates the base event with common fields populated.
func (e *EventEmitter) base(eventType models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Version:  1,
		Type:     eventType,
		Time:     time.Now(),
		Sequence: e.nextSeq(),
		TurnID:   e.turnID,
		Round:    e.round,
	}
}

func (e *EventEmitter) emit(ctx context.Context, event models.AgentEvent) models.AgentEvent {
	e.sink.Emit(ctx, event)
	return event
}

// TurnStarted emits a turn.started event.
func (e *EventEmitter) TurnStarted(ctx context.Context) models.AgentEvent {
	return e.emit(ctx, e.base(models.AgentEventTurnStarted))
}

// TurnFinished emits a turn.finished event with stats.
func (e *EventEmitter) TurnFinished(ctx context.Context, stats *models.TurnStats) models.AgentEvent {
	event := e.base(models.AgentEventTurnFinished)
	if stats != nil {
		event.Stats = &models.StatsEventPayload{Turn: stats}
	}
	return e.emit(ctx, event)
}

// TurnError emits a turn.error event.
func (e *EventEmitter) TurnError(ctx context.Context, err error) models.AgentEvent {
	event := e.base(models.AgentEventTurnError)
	event.Error = &models.ErrorEventPayload{
		Message:   err.Error(),
		Code:      string(CodeOf(err)),
		Retriable: IsRetryable(err),
		Err:       err,
	}
	return e.emit(ctx, event)
}

// TurnCancelled emits a turn.cancelled event.
func (e *EventEmitter) TurnCancelled(ctx context.Context, err error) models.AgentEvent {
	event := e.base(models.AgentEventTurnCancelled)
	if err != nil {
		event.Error = &models.ErrorEventPayload{
			Message: err.Error(),
			Code:    string(CodeCancelled),
			Err:     err,
		}
	}
	return e.emit(ctx, event)
}

// ModelStarted emits a model.started event.
func (e *EventEmitter) ModelStarted(ctx context.Context, provider, model string) models.AgentEvent {
	event := e.base(models.AgentEventModelStarted)
	event.Stream = &models.StreamEventPayload{
		Provider: provider,
		Model:    model,
	}
	return e.emit(ctx, event)
}

// ModelDelta emits a model.delta event for streaming text. Deltas are
// published before accumulation so consumers see them even when the stream
// later fails.
func (e *EventEmitter) ModelDelta(ctx context.Context, delta string, blockIndex int, thinking bool) models.AgentEvent {
	event := e.base(models.AgentEventModelDelta)
	event.Stream = &models.StreamEventPayload{
		Delta:      delta,
		BlockIndex: blockIndex,
		Thinking:   thinking,
	}
	return e.emit(ctx, event)
}

// ModelCompleted emits a model.completed event.
func (e *EventEmitter) ModelCompleted(ctx context.Context, provider, model string, stopReason StopReason, usage models.TokenUsage) models.AgentEvent {
	event := e.base(models.AgentEventModelCompleted)
	event.Stream = &models.StreamEventPayload{
		Provider:     provider,
		Model:        model,
		StopReason:   string(stopReason),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	return e.emit(ctx, event)
}

// ToolStarted emits a tool.started event.
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON []byte) models.AgentEvent {
	event := e.base(models.AgentEventToolStarted)
	event.Tool = &models.ToolEventPayload{
		CallID:   callID,
		Name:     name,
		ArgsJSON: argsJSON,
	}
	return e.emit(ctx, event)
}

// ToolFinished emits a tool.finished event.
func (e *EventEmitter) ToolFinished(ctx context.Context, callID, name string, success bool, result string, elapsed time.Duration) models.AgentEvent {
	event := e.base(models.AgentEventToolFinished)
	event.Tool = &models.ToolEventPayload{
		CallID:  callID,
		Name:    name,
		Success: success,
		Result:  result,
		Elapsed: elapsed,
	}
	return e.emit(ctx, event)
}

// PermissionRequired emits a permission.required event for a proposal.
func (e *EventEmitter) PermissionRequired(ctx context.Context, p permission.Proposal) models.AgentEvent {
	event := e.base(models.AgentEventPermissionRequired)
	event.Permission = &models.PermissionEventPayload{
		ProposalID: p.ID,
		CallID:     p.CallID,
		Tool:       p.Tool,
		Signature:  p.Signature,
	}
	return e.emit(ctx, event)
}

// PermissionResolved emits a permission.resolved event.
func (e *EventEmitter) PermissionResolved(ctx context.Context, p permission.Proposal, res permission.Resolution) models.AgentEvent {
	event := e.base(models.AgentEventPermissionResolved)
	event.Permission = &models.PermissionEventPayload{
		ProposalID: p.ID,
		CallID:     p.CallID,
		Tool:       p.Tool,
		Signature:  p.Signature,
		Resolution: string(res.Kind),
		Reason:     res.Reason,
	}
	return e.emit(ctx, event)
}

// ContextPacked emits a context.packed event with window diagnostics.
func (e *EventEmitter) ContextPacked(ctx context.Context, budgetTokens, usedTokens, candidates, included int, overBudget bool) models.AgentEvent {
	event := e.base(models.AgentEventContextPacked)
	event.Context = &models.ContextEventPayload{
		BudgetTokens: budgetTokens,
		UsedTokens:   usedTokens,
		Candidates:   candidates,
		Included:     included,
		Dropped:      candidates - included,
		OverBudget:   overBudget,
	}
	return e.emit(ctx, event)
}

// SessionSaved emits a session.saved event.
func (e *EventEmitter) SessionSaved(ctx context.Context, directory, sessionID string, messages int) models.AgentEvent {
	event := e.base(models.AgentEventSessionSaved)
	event.Session = &models.SessionEventPayload{
		Directory: directory,
		SessionID: sessionID,
		Messages:  messages,
	}
	return e.emit(ctx, event)
}

// SessionResumed emits a session.resumed event.
func (e *EventEmitter) SessionResumed(ctx context.Context, directory, sessionID string, messages int) models.AgentEvent {
	event := e.base(models.AgentEventSessionResumed)
	event.Session = &models.SessionEventPayload{
		Directory: directory,
		SessionID: sessionID,
		Messages:  messages,
	}
	return e.emit(ctx, event)
}

// StatsCollector accumulates turn statistics from the event stream.
type StatsCollector struct {
	stats      models.TurnStats
	modelStart time.Time
	toolStarts map[string]time.Time
}

// NewStatsCollector creates a stats collector for one turn.
func NewStatsCollector(turnID string) *StatsCollector {
	return &StatsCollector{
		stats: models.TurnStats{
			TurnID:    turnID,
			StartedAt: time.Now(),
		},
		toolStarts: make(map[string]time.Time),
	}
}

// OnEvent processes an event and updates stats.
func (c *StatsCollector) OnEvent(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventTurnStarted:
		c.stats.StartedAt = e.Time

	case models.AgentEventModelStarted:
		c.stats.ModelCalls++
		c.modelStart = e.Time
		if e.Round+1 > c.stats.Rounds {
			c.stats.Rounds = e.Round + 1
		}

	case models.AgentEventModelCompleted:
		if !c.modelStart.IsZero() {
			c.stats.ModelWallTime += e.Time.Sub(c.modelStart)
			c.modelStart = time.Time{}
		}
		if e.Stream != nil {
			c.stats.InputTokens += e.Stream.InputTokens
			c.stats.OutputTokens += e.Stream.OutputTokens
		}

	case models.AgentEventToolStarted:
		c.stats.ToolCalls++
		if e.Tool != nil {
			c.toolStarts[e.Tool.CallID] = e.Time
		}

	case models.AgentEventToolFinished:
		if e.Tool != nil {
			if start, ok := c.toolStarts[e.Tool.CallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.Tool.CallID)
			}
			if !e.Tool.Success {
				c.stats.Errors++
			}
		}

	case models.AgentEventPermissionResolved:
		if e.Permission != nil {
			if permission.ResolutionKind(e.Permission.Resolution).Allows() {
				c.stats.Approvals++
			} else {
				c.stats.Denials++
			}
		}

	case models.AgentEventContextPacked:
		c.stats.ContextPacks++
		if e.Context != nil {
			c.stats.DroppedMessages += e.Context.Dropped
		}

	case models.AgentEventTurnError:
		c.stats.Errors++

	case models.AgentEventTurnCancelled:
		c.stats.Cancelled = true

	case models.AgentEventTurnFinished:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// Stats returns the accumulated statistics.
func (c *StatsCollector) Stats() *models.TurnStats {
	// Copy to avoid mutation
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
