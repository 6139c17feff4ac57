// Package retry implements the failure-handling policy for external calls:
// exponential backoff with full jitter, and a per-endpoint circuit breaker.
// Only errors classified Transient by errkind are retried.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/chainlearn/dalcore/internal/errkind"
)

const (
	defaultBaseDelay    = 200 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
	defaultReadAttempts = 8
	// Writes get fewer attempts: a retried write that half-landed is worse
	// than a surfaced failure.
	defaultWriteAttempts = 5
)

// Policy controls retry behavior for one class of operation.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int

	// rng is swappable for deterministic tests. Nil means global rand.
	rng func() float64
}

// Reads returns the default policy for read operations.
func Reads() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Multiplier:  defaultMultiplier,
		MaxAttempts: defaultReadAttempts,
	}
}

// Writes returns the default policy for write operations.
func Writes() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Multiplier:  defaultMultiplier,
		MaxAttempts: defaultWriteAttempts,
	}
}

// delay returns the sleep before attempt n (1-based) with full jitter:
// a uniform draw from [0, min(cap, base*mult^(n-1))].
func (p Policy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); ceiling > max {
		ceiling = max
	}
	r := rand.Float64
	if p.rng != nil {
		r = p.rng
	}
	return time.Duration(r() * ceiling)
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. An exhausted budget surfaces as Unavailable
// wrapping the last transient failure. Context cancellation is honored
// between attempts.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errkind.IsRetryable(err) {
			return err
		}
		last = err

		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errkind.Wrapf(errkind.Transient, "canceled", ctx.Err(), "%s canceled during backoff", op)
		case <-time.After(p.delay(attempt)):
		}
	}
	return errkind.Wrapf(errkind.Unavailable, "retries_exhausted", last,
		"%s failed after %d attempts", op, p.MaxAttempts)
}
