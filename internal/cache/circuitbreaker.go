package cache

import (
	"sync"
	"time"
)

// breakerState mirrors the three-state circuit breaker used to isolate the
// pipeline from a flaky or down cache backend.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker trips after maxFailures consecutive failures and rejects
// calls for resetTimeout before moving to half-open. Half-open does not limit
// concurrency: every call made while half-open runs fn.
type circuitBreaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	onStateChange func(from, to breakerState)
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

var errCircuitOpen = errCircuitOpenSentinel{}

type errCircuitOpenSentinel struct{}

func (errCircuitOpenSentinel) Error() string { return "cache circuit breaker is open" }

// execute runs fn through the breaker, short-circuiting to errCircuitOpen
// while tripped.
func (cb *circuitBreaker) execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case breakerOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition(breakerHalfOpen)
		} else {
			cb.mu.Unlock()
			return errCircuitOpen
		}
	case breakerHalfOpen:
		// probes are not serialized: the mutex is released before fn runs
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == breakerHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(breakerOpen)
		}
		return err
	}
	if cb.state == breakerHalfOpen {
		cb.transition(breakerClosed)
	}
	cb.failures = 0
	return nil
}

func (cb *circuitBreaker) transition(to breakerState) {
	from := cb.state
	cb.state = to
	if to == breakerClosed {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
