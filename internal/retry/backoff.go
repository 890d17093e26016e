package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second
	defaultFactor    = 2.0

	maxDuration = time.Duration(math.MaxInt64)
)

// Backoff maps a 1-based attempt number to the wait before the next attempt.
// Curves are monotonically non-decreasing in attempt.
type Backoff func(attempt int) time.Duration

// DefaultBackoff is exponential from 500ms doubling up to 10s.
func DefaultBackoff() Backoff {
	return Exponential(defaultBaseDelay, defaultFactor, defaultMaxDelay)
}

// Constant waits d between every attempt.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear waits base*attempt.
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return saturate(float64(base) * float64(max(attempt, 1)))
	}
}

// Exponential waits base*factor^(attempt-1), capped at maxDelay when maxDelay > 0.
func Exponential(base time.Duration, factor float64, maxDelay time.Duration) Backoff {
	if factor < 1 {
		factor = 1
	}

	return func(attempt int) time.Duration {
		d := float64(base) * math.Pow(factor, float64(max(attempt, 1)-1))
		if maxDelay > 0 && d > float64(maxDelay) {
			return maxDelay
		}

		return saturate(d)
	}
}

// Capped bounds any curve at maxDelay.
func (b Backoff) Capped(maxDelay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return min(b(attempt), maxDelay)
	}
}

// WithJitter adds up to fraction*d of random extra wait. Jitter only ever
// lengthens the wait so the curve stays monotonic in its lower bound.
func (b Backoff) WithJitter(fraction float64) Backoff {
	if fraction <= 0 {
		return b
	}

	return func(attempt int) time.Duration {
		d := b(attempt)

		return saturate(float64(d) + rand.Float64()*fraction*float64(d)) //nolint:gosec // jitter needs no crypto randomness
	}
}

// saturate converts d to a Duration, clamping at the largest representable wait.
func saturate(d float64) time.Duration {
	if d >= float64(maxDuration) || math.IsInf(d, 1) {
		return maxDuration
	}

	if d <= 0 || math.IsNaN(d) {
		return 0
	}

	return time.Duration(d)
}
