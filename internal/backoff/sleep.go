package backoff

import (
	"context"
	"time"
)

// SleepWithContext blocks for duration or until ctx is done, whichever comes
// first. Zero and negative durations return immediately. The return value is
// nil when the full duration elapsed, ctx.Err() otherwise.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepWithBackoff sleeps for the policy's duration at the given attempt,
// respecting ctx. Retry loops call this between attempts.
func SleepWithBackoff(ctx context.Context, policy BackoffPolicy, attempt int) error {
	return SleepWithContext(ctx, ComputeBackoff(policy, attempt))
}
