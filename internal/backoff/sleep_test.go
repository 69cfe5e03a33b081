package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepWithContextNonPositiveReturnsImmediately(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
	}{
		{"zero", 0},
		{"negative", -100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			if err := SleepWithContext(context.Background(), tt.duration); err != nil {
				t.Errorf("SleepWithContext() = %v, want nil", err)
			}
			if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
				t.Errorf("took %v, want immediate return", elapsed)
			}
		})
	}
}

func TestSleepWithContextCompletes(t *testing.T) {
	start := time.Now()
	if err := SleepWithContext(context.Background(), 30*time.Millisecond); err != nil {
		t.Fatalf("SleepWithContext() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("returned after %v, want the full duration", elapsed)
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepWithContext(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("cancel took %v to unblock the sleep", elapsed)
	}
}

func TestSleepWithContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := SleepWithContext(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("took %v on a dead context", elapsed)
	}
}

func TestSleepWithContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := SleepWithContext(ctx, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SleepWithContext() = %v, want context.DeadlineExceeded", err)
	}
}

func TestSleepWithBackoffUsesPolicyDuration(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 10, MaxMs: 1000, Factor: 2, Jitter: 0}

	start := time.Now()
	if err := SleepWithBackoff(context.Background(), policy, 1); err != nil {
		t.Fatalf("SleepWithBackoff() = %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 8*time.Millisecond || elapsed > 100*time.Millisecond {
		t.Errorf("slept %v, want ~10ms for attempt 1", elapsed)
	}
}

func TestSleepWithBackoffCancelled(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 1000, MaxMs: 2000, Factor: 2, Jitter: 0}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := SleepWithBackoff(ctx, policy, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithBackoff() = %v, want context.Canceled", err)
	}
}
