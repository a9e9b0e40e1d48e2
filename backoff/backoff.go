// Package backoff holds the per-queue retry policy and the pure functions
// that decide whether a failed envelope is retried and when.
//
// The worker and the visibility sweeper both route failures through
// Decide, so an envelope reclaimed from a crashed worker follows exactly
// the same schedule as one whose handler returned an error.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/asqrzk/conveyor/envelope"
)

// Policy is the retry and visibility policy of one queue.
type Policy struct {
	// MaxRetries is the retry budget when the envelope carries no
	// max_attempts of its own.
	MaxRetries int `mapstructure:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// Multiplier scales the delay on each further attempt.
	Multiplier float64 `mapstructure:"multiplier"`

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Jitter is the upper bound of the uniform random delay added on top.
	Jitter time.Duration `mapstructure:"jitter"`

	// LockTTL is how long a claimed envelope stays owned by its worker.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DefaultPolicy returns the policy used by queues without an override:
// five retries starting at one minute, doubling, capped at one hour.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  60 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   time.Hour,
		Jitter:     10 * time.Second,
		LockTTL:    180 * time.Second,
	}
}

// Validate reports the first invalid field of p.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.New("backoff: max retries must not be negative")
	case p.BaseDelay < 0:
		return errors.New("backoff: base delay must not be negative")
	case p.Multiplier < 1:
		return fmt.Errorf("backoff: multiplier %v must be at least 1", p.Multiplier)
	case p.MaxDelay < p.BaseDelay:
		return errors.New("backoff: max delay must not be below base delay")
	case p.Jitter < 0:
		return errors.New("backoff: jitter must not be negative")
	case p.LockTTL <= 0:
		return errors.New("backoff: lock ttl must be positive")
	}
	return nil
}

// ──────────────────────────────────────────────────
// Delay
// ──────────────────────────────────────────────────

// BaseDelayFor returns min(MaxDelay, BaseDelay * Multiplier^attempts),
// the deterministic part of the retry delay. It never decreases as
// attempts grows.
func (p Policy) BaseDelayFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay returns the delay before the next execution of an envelope
// that has already failed attempts times: the capped exponential base
// plus uniform jitter in [0, Jitter).
func NextDelay(p Policy, attempts int) time.Duration {
	return nextDelay(p, attempts, rand.Float64) //nolint:gosec // jitter does not need crypto rand
}

func nextDelay(p Policy, attempts int, rnd func() float64) time.Duration {
	d := p.BaseDelayFor(attempts)
	if p.Jitter > 0 {
		d += time.Duration(rnd() * float64(p.Jitter))
	}
	return d
}

// ──────────────────────────────────────────────────
// Retry decision
// ──────────────────────────────────────────────────

// Limit returns the retry budget for e: its own max_attempts when set,
// otherwise the policy's MaxRetries.
func Limit(p Policy, e *envelope.Envelope) int {
	if e.MaxAttempts != nil {
		return *e.MaxAttempts
	}
	return p.MaxRetries
}

// ShouldRetry reports whether e, which has just failed, may be retried.
// e.Attempts is the number of failures recorded before this one.
func ShouldRetry(p Policy, e *envelope.Envelope) bool {
	return e.Attempts < Limit(p, e)
}

// Decision is the routing of one failed execution.
type Decision struct {
	// Retry is true when the envelope goes to the delayed set.
	Retry bool

	// Attempts is the attempt counter to store with the envelope.
	Attempts int

	// Delay and ReadyAt are set only when Retry is true.
	Delay   time.Duration
	ReadyAt time.Time
}

// Decide routes a failed execution of e observed at now. The retry check
// and delay use the attempt count before this failure; the returned
// Attempts is one higher.
func Decide(p Policy, e *envelope.Envelope, now time.Time) Decision {
	return decide(p, e, now, rand.Float64) //nolint:gosec // jitter does not need crypto rand
}

func decide(p Policy, e *envelope.Envelope, now time.Time, rnd func() float64) Decision {
	d := Decision{Attempts: e.Attempts + 1}
	if !ShouldRetry(p, e) {
		return d
	}
	d.Retry = true
	d.Delay = nextDelay(p, e.Attempts, rnd)
	d.ReadyAt = now.Add(d.Delay)
	return d
}
