package payment

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker stops calls to a failing backend for a cool-down period.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	clock        func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
		clock:        time.Now,
	}
}

// Allow reports whether a call may proceed. After the reset timeout an open
// breaker lets a single probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// probe already in flight
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

// State returns the current state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
