// Package backoff provides delay strategies for the worker's idle claim
// loop. All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes how long a worker waits before polling the queue again.
type Strategy interface {
	// Delay returns the wait before poll n of an idle streak (1-indexed).
	// The streak resets as soon as a claim succeeds.
	Delay(idlePolls int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of how long the queue
// has been empty.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant polling strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter doubles an exponential base per idle poll and
// applies full jitter. Delay = random value in
// [0, min(Initial * 2^(idlePolls-1), Max)]. The jitter keeps a fleet of
// idle workers from hammering the store in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(idlePolls-1), Max)].
func (e *ExponentialWithJitter) Delay(idlePolls int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(idlePolls-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the polling strategy workers use when none is
// configured: full jitter over the given base interval, capped at 30s.
func DefaultStrategy(interval time.Duration) Strategy {
	return NewExponentialWithJitter(interval, 30*time.Second)
}
