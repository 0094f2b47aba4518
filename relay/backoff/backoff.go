// Package backoff provides capped exponential backoff with proportional
// jitter for the retry paths in this module.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

const maxShift = 62

// jitterFraction is the fraction of the computed delay used as the jitter
// bound: jitter is uniform in [0, delay/jitterDivisor).
const jitterDivisor = 5

// Exponential returns min(base * 2^(attempt-1), cap) for a 1-based attempt
// number, with overflow protection. Attempts below 1 are treated as 1. A
// non-positive cap disables capping.
func Exponential(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift

	delay := time.Duration(math.MaxInt64)
	if int64(base) <= math.MaxInt64/multiplier {
		delay = base * time.Duration(multiplier)
	}

	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	return delay
}

// Jitter returns a random duration in [0, delay/5), i.e. up to 20% of the
// delay. Returns 0 for zero or negative delays.
func Jitter(delay time.Duration) time.Duration {
	bound := delay / jitterDivisor
	if bound <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(bound)))
	if err != nil {
		// Entropy exhaustion must not stall a retry loop.
		return bound / 2
	}

	return time.Duration(n.Int64())
}

// Delay returns the full retry delay for a 1-based attempt number:
// min(base * 2^(attempt-1), cap) plus proportional jitter.
func Delay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, ceiling, attempt)

	return delay + Jitter(delay)
}

// SleepWithContext sleeps for the given duration, returning early with an
// error if the context is cancelled first. Non-positive durations return
// immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
