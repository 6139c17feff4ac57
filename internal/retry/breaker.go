package retry

import (
	"sync"
	"time"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/metrics"
)

// BreakerState is the circuit state for one endpoint.
type BreakerState int

const (
	Closed BreakerState = iota
	HalfOpen
	Open
)

func (s BreakerState) String() string {
	switch s {
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

const (
	// defaultLeakInterval drains one accumulated failure per interval, so
	// sporadic failures never trip the breaker.
	defaultLeakInterval = 10 * time.Second
	defaultTripAfter    = 5
	defaultOpenFor      = 30 * time.Second
)

// Breaker is a three-state circuit breaker with a leaky-bucket failure
// counter. While open, calls fail fast with Unavailable; after OpenFor, a
// single probe is admitted (half-open).
type Breaker struct {
	endpoint string

	mu            sync.Mutex
	state         BreakerState
	failures      float64
	lastLeak      time.Time
	openedAt      time.Time
	probeInFlight bool

	leakInterval time.Duration
	tripAfter    float64
	openFor      time.Duration

	now func() time.Time
}

// NewBreaker creates a breaker for one endpoint URL.
func NewBreaker(endpoint string) *Breaker {
	b := &Breaker{
		endpoint:     endpoint,
		leakInterval: defaultLeakInterval,
		tripAfter:    defaultTripAfter,
		openFor:      defaultOpenFor,
		now:          time.Now,
	}
	b.publishState(Closed)
	return b
}

// Allow reports whether a call may proceed. In half-open state only one
// probe at a time is admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.setState(HalfOpen)
			b.probeInFlight = true
			return nil
		}
		return errkind.Newf(errkind.Unavailable, "breaker_open",
			"endpoint %s circuit open", b.endpoint)
	default: // HalfOpen
		if b.probeInFlight {
			return errkind.Newf(errkind.Unavailable, "breaker_probing",
				"endpoint %s half-open, probe in flight", b.endpoint)
		}
		b.probeInFlight = true
		return nil
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != Closed {
		b.setState(Closed)
	}
}

// Failure records a failed call. A failed half-open probe re-opens the
// circuit immediately; in closed state the bucket fills until it trips.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leak()
	b.probeInFlight = false

	switch b.state {
	case HalfOpen:
		b.openedAt = b.now()
		b.setState(Open)
	case Closed:
		b.failures++
		if b.failures >= b.tripAfter {
			b.openedAt = b.now()
			b.setState(Open)
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak()
	return b.state
}

// leak drains accumulated failures at one per leakInterval. Caller holds mu.
func (b *Breaker) leak() {
	now := b.now()
	if b.lastLeak.IsZero() {
		b.lastLeak = now
		return
	}
	elapsed := now.Sub(b.lastLeak)
	if elapsed < b.leakInterval {
		return
	}
	drained := float64(elapsed / b.leakInterval)
	b.failures -= drained
	if b.failures < 0 {
		b.failures = 0
	}
	b.lastLeak = now
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.publishState(s)
}

func (b *Breaker) publishState(s BreakerState) {
	metrics.BreakerState.WithLabelValues(b.endpoint).Set(float64(s))
}

// Call wraps fn with breaker accounting: Allow, then Success/Failure based
// on the errkind classification. Non-transient application failures do not
// count against the endpoint.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		b.Success()
		return nil
	}
	switch errkind.KindOf(err) {
	case errkind.Transient, errkind.Unavailable:
		b.Failure()
	default:
		b.Success()
	}
	return err
}
