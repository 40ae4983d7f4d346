package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState is the position of a CircuitBreaker.
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// halfOpenSuccesses probes must succeed in a row before a half-open circuit
// closes again.
const halfOpenSuccesses = 5

const (
	defaultTripAfter = 10
	defaultCooldown  = 30 * time.Second
)

// CircuitBreaker trips after a run of failed step invocations and rejects
// further ones until its cooldown has passed. The first call after the
// cooldown moves it to half-open; a single failed probe trips it again.
type CircuitBreaker struct {
	tripAfter int64
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitBreakerState
	failures int64
	probes   int64
	openedAt time.Time
	onChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker returns a closed breaker that opens after tripAfter
// consecutive failures and stays open for cooldown.
func NewCircuitBreaker(tripAfter int64, cooldown time.Duration) *CircuitBreaker {
	if tripAfter <= 0 {
		tripAfter = defaultTripAfter
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &CircuitBreaker{tripAfter: tripAfter, cooldown: cooldown, now: time.Now}
}

// OnStateChange sets fn to be called outside the lock after every
// transition. It replaces any earlier callback.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// IsOpen reports whether invocations are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return false
	}
	if cb.now().Sub(cb.openedAt) < cb.cooldown {
		cb.mu.Unlock()
		return true
	}
	notify := cb.moveLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	notify := func() {}
	if cb.state == StateHalfOpen {
		cb.probes++
		if cb.probes >= halfOpenSuccesses {
			notify = cb.moveLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.probes = 0
	notify := func() {}
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.tripAfter {
			notify = cb.moveLocked(StateOpen)
		}
	case StateHalfOpen:
		notify = cb.moveLocked(StateOpen)
	case StateOpen:
		// a straggler finishing after the trip extends the cooldown
		cb.openedAt = cb.now()
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures is the length of the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and forgets the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.moveLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}

// moveLocked switches state and returns the callback invocation to run once
// the lock is released.
func (cb *CircuitBreaker) moveLocked(to CircuitBreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.probes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
	}
	fn := cb.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}
