package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// BackoffPolicy configures Retry's exponential-backoff-plus-jitter schedule.
// Its fields mirror a task's RetryPolicy one-to-one so callers can convert
// without any unit juggling.
type BackoffPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// Retry executes fn with exponential backoff plus full jitter: InitialWait
// scales by Multiplier each attempt, capped at MaxWait, until MaxAttempts is
// exhausted or ctx is cancelled. Used by the task runner to implement a
// task's RetryPolicy.
func Retry[T any](ctx context.Context, policy BackoffPolicy, fn func() (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts <= 0 {
		return zero, nil
	}
	multiplier := policy.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	cur := policy.InitialWait
	if cur <= 0 {
		cur = 100 * time.Millisecond
	}
	maxWait := policy.MaxWait
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}

	var lastErr error
	meter := otel.Meter("taskgraph")
	attemptCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskgraph_resilience_retry_fail_total")

	for i := 0; i < policy.MaxAttempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == policy.MaxAttempts-1 {
			break
		}
		if cur > maxWait {
			cur = maxWait
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur = time.Duration(float64(cur) * multiplier)
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
