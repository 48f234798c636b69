package submitter

import (
	"sync"
	"time"
)

// BreakerState is the health state of the direct submission path.
type BreakerState int

const (
	// BreakerClosed passes submissions through.
	BreakerClosed BreakerState = iota

	// BreakerOpen short-circuits direct submissions after repeated failure.
	BreakerOpen

	// BreakerHalfOpen probes with a single submission after the reset
	// timeout.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a circuit breaker over the direct submission path. While open,
// callers fall back to RPC (or fail, in direct-only mode).
type Breaker struct {
	mu sync.Mutex

	state    BreakerState
	failures int
	openedAt time.Time

	threshold    int
	resetTimeout time.Duration

	// now is replaced in tests.
	now func() time.Time
}

// NewBreaker returns a closed breaker that opens after threshold consecutive
// failures and probes again after resetTimeout.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Allow reports whether a direct submission may proceed, transitioning
// Open → HalfOpen once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// Success records a successful submission, closing the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// Failure records a failed submission. In HalfOpen it reopens immediately;
// in Closed it opens once the consecutive-failure threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

// State returns the current state without transitioning it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
