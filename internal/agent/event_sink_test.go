package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func TestChanSinkEmit(t *testing.T) {
	ch := make(chan models.AgentEvent, 10)
	sink := NewChanSink(ch)

	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventModelDelta, TurnID: "t1"})

	select {
	case received := <-ch:
		if received.TurnID != "t1" {
			t.Errorf("TurnID = %q, want t1", received.TurnID)
		}
	default:
		t.Error("expected event in channel")
	}
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	ch := make(chan models.AgentEvent, 1)
	sink := NewChanSink(ch)

	sink.Emit(context.Background(), models.AgentEvent{})
	sink.Emit(context.Background(), models.AgentEvent{})

	if sink.DroppedCount() != 1 {
		t.Errorf("DroppedCount = %d, want 1", sink.DroppedCount())
	}
}

func TestMultiSinkFanOut(t *testing.T) {
	var mu sync.Mutex
	counts := make([]int, 2)

	mk := func(i int) EventSink {
		return NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}

	sink := NewMultiSink(mk(0), nil, mk(1))
	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventTurnStarted})

	mu.Lock()
	defer mu.Unlock()
	if counts[0] != 1 || counts[1] != 1 {
		t.Errorf("counts = %v, want [1 1]", counts)
	}
}

func TestMultiSinkContainsPanics(t *testing.T) {
	panicking := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		panic("sink exploded")
	})

	var delivered bool
	after := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		delivered = true
	})

	sink := NewMultiSink(panicking, after)
	sink.Emit(context.Background(), models.AgentEvent{})

	if !delivered {
		t.Error("panic in one sink should not stop delivery to the next")
	}
}

func TestBackpressureSinkDropsOnlyDeltas(t *testing.T) {
	sink, merged := NewBackpressureSink(BackpressureConfig{HighPriBuffer: 4, LowPriBuffer: 1})
	defer sink.Close()

	ctx := context.Background()

	// Fill the low-priority lane past its buffer; the merge loop may drain
	// one event, so emit enough to guarantee drops.
	for i := 0; i < 50; i++ {
		sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventModelDelta})
	}
	if sink.DroppedCount() == 0 {
		t.Error("expected delta drops under backpressure")
	}

	// Lifecycle events get through regardless.
	sink.Emit(ctx, models.AgentEvent{Type: models.AgentEventTurnFinished})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-merged:
			if e.Type == models.AgentEventTurnFinished {
				return
			}
		case <-deadline:
			t.Fatal("turn.finished never arrived on the merged channel")
		}
	}
}

func TestBackpressureSinkCloseEndsMergedChannel(t *testing.T) {
	sink, merged := NewBackpressureSink(DefaultBackpressureConfig())

	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventTurnStarted})
	sink.Close()

	// Emit after close must not panic.
	sink.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventModelDelta})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-merged:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("merged channel never closed")
		}
	}
}

func TestNopSink(t *testing.T) {
	NopSink{}.Emit(context.Background(), models.AgentEvent{Type: models.AgentEventTurnStarted})
}
