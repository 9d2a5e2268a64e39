package llmharness

import (
	"sync"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

// CircuitBreaker is the three-state (closed/open/half-open) breaker that
// protects the run from cascading LLM failures. It is a mutex-guarded
// state field with explicit transition points, not an event-sourced log:
// callers only ever need its current state, not a history of every
// threshold breach.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold       int
	timeout         time.Duration
	failureCount    int
	state           schema.CircuitState
	lastFailureTime time.Time
}

// NewCircuitBreaker opens the circuit after threshold consecutive
// failures and attempts a half-open probe after timeout has elapsed.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     schema.CircuitClosed,
	}
}

// RecordSuccess closes the circuit and resets the failure count. A
// half-open probe that succeeds closes the circuit exactly like a
// closed-state success.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	c.state = schema.CircuitClosed
}

// RecordFailure increments the failure count and opens the circuit once
// the threshold is reached from the closed state; a failed half-open probe
// re-opens the circuit at once.
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.lastFailureTime = now
	if c.state == schema.CircuitHalfOpen || (c.failureCount >= c.threshold && c.state == schema.CircuitClosed) {
		c.state = schema.CircuitOpen
	}
}

// IsOpen reports whether the circuit is currently rejecting calls. If the
// circuit has been open longer than the configured timeout, it flips to
// half-open and allows exactly one probe through.
func (c *CircuitBreaker) IsOpen(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != schema.CircuitOpen {
		return false
	}
	if !c.lastFailureTime.IsZero() && now.Sub(c.lastFailureTime) > c.timeout {
		c.state = schema.CircuitHalfOpen
		return false
	}
	return true
}

// State returns the current circuit state without mutating it.
func (c *CircuitBreaker) State() schema.CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FailureCount returns the current consecutive-failure count.
func (c *CircuitBreaker) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}

// Reset returns the breaker to its initial closed state.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
	c.state = schema.CircuitClosed
	c.lastFailureTime = time.Time{}
}
