package ingest

import (
	"context"
	"math"
	"time"
)

// WritePolicy controls retry behavior for one storage backend. Gating
// decides whether exhaustion fails ingestion or is merely logged.
type WritePolicy struct {
	Gating       bool
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// GatingPolicy is the record-of-truth default: 3 attempts, exponential
// backoff, failure surfaces to the caller.
func GatingPolicy() WritePolicy {
	return WritePolicy{
		Gating:       true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Timeout:      5 * time.Second,
	}
}

// BestEffortPolicy is the stream-store default: 2 attempts, failure logged.
func BestEffortPolicy() WritePolicy {
	return WritePolicy{
		Gating:       false,
		MaxAttempts:  2,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Timeout:      5 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt (1-indexed),
// InitialDelay * Multiplier^(attempt-1) capped at MaxDelay.
func (p WritePolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. Each attempt gets its own timeout. Returns nil on
// success or the last error once attempts or ctx are exhausted.
func (p WritePolicy) Execute(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
