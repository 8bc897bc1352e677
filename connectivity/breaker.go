package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{"closed", "open", "half-open"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// CircuitBreaker stops calls to a failing backend. After threshold
// consecutive failures it opens for cooldown, then lets probe calls
// through; probes successes in a row close it, any failure reopens it.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	probes    int
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	streak   int
	openedAt time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failures that open the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerHalfOpenMax sets the probe successes needed to close.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.probes = n }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker opens after 5 failures for 30s and closes after 2
// successful probes unless told otherwise.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: 5, cooldown: 30 * time.Second, probes: 2, now: time.Now}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state, moving open to half-open once the
// cooldown has passed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state, cb.streak = BreakerHalfOpen, 0
	}
	return cb.state
}

// Allow reports whether a call may go through.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.current() {
	case BreakerClosed:
		cb.streak = 0
	case BreakerHalfOpen:
		if cb.streak++; cb.streak >= cb.probes {
			cb.state, cb.streak = BreakerClosed, 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.current() {
	case BreakerClosed:
		if cb.streak++; cb.streak < cb.threshold {
			return
		}
	case BreakerOpen:
		// a call admitted before opening; extend the cooldown
	}
	cb.state, cb.streak, cb.openedAt = BreakerOpen, 0, cb.now()
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state, cb.streak = BreakerClosed, 0
	cb.mu.Unlock()
}

// WithCircuitBreaker fails fast with ErrCircuitOpen while cb is open and
// feeds every outcome back to cb.
func WithCircuitBreaker(cb *CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, callError(service, ErrCircuitOpen, "", nil)
			}
			resp, err := next(ctx, payload)
			if err != nil {
				cb.RecordFailure()
				return nil, err
			}
			cb.RecordSuccess()
			return resp, nil
		}
	}
}
