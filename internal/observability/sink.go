package observability

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MetricsSink feeds Prometheus collectors from the agent event stream.
// It implements agent.EventSink, so wiring metrics is just adding one
// more sink; the engine core stays metrics-free.
type MetricsSink struct {
	metrics *Metrics

	// One model call is in flight per turn at a time, so call start
	// times are keyed by turn ID.
	mu          sync.Mutex
	modelStarts map[string]time.Time
}

// NewMetricsSink creates a sink recording into metrics.
func NewMetricsSink(metrics *Metrics) *MetricsSink {
	return &MetricsSink{
		metrics:     metrics,
		modelStarts: make(map[string]time.Time),
	}
}

// Emit records the event. It never blocks.
func (s *MetricsSink) Emit(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventTurnStarted:
		s.metrics.ActiveTurns.Inc()

	case models.AgentEventTurnFinished, models.AgentEventTurnCancelled:
		s.metrics.ActiveTurns.Dec()
		s.forgetTurn(e.TurnID)

	case models.AgentEventTurnError:
		s.metrics.ActiveTurns.Dec()
		s.forgetTurn(e.TurnID)
		code := "unknown"
		if e.Error != nil && e.Error.Code != "" {
			code = e.Error.Code
		}
		s.metrics.Errors.WithLabelValues(code).Inc()

	case models.AgentEventModelStarted:
		s.mu.Lock()
		s.modelStarts[e.TurnID] = e.Time
		s.mu.Unlock()

	case models.AgentEventModelCompleted:
		if e.Stream == nil {
			return
		}
		s.mu.Lock()
		started, ok := s.modelStarts[e.TurnID]
		delete(s.modelStarts, e.TurnID)
		s.mu.Unlock()
		var elapsed time.Duration
		if ok {
			elapsed = e.Time.Sub(started)
		}
		s.metrics.ObserveModelCall(
			e.Stream.Provider, e.Stream.Model, elapsed,
			e.Stream.InputTokens, e.Stream.OutputTokens, false,
		)

	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return
		}
		s.metrics.ObserveToolExecution(e.Tool.Name, e.Tool.Elapsed, e.Tool.Success)

	case models.AgentEventPermissionResolved:
		if e.Permission == nil || e.Permission.Resolution == "" {
			return
		}
		s.metrics.PermissionDecisions.WithLabelValues(e.Permission.Resolution).Inc()

	case models.AgentEventContextPacked:
		s.metrics.ContextPacks.Inc()
	}
}

func (s *MetricsSink) forgetTurn(turnID string) {
	s.mu.Lock()
	delete(s.modelStarts, turnID)
	s.mu.Unlock()
}
