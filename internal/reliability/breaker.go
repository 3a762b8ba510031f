package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and the cooldown has
// not elapsed: the dependency is presumed down, so the call fails fast
// without invoking the guarded function.
var ErrCircuitOpen = errors.New("reliability: circuit open")

// BreakerState is the current position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig controls a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int
	// ResetTimeout is the cooldown after which an open circuit admits one
	// trial call. Default 30s.
	ResetTimeout time.Duration
	// OnStateChange is invoked on its own goroutine whenever the breaker
	// transitions between states. Intended for monitoring, not control flow.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker guards one call site against a dependency that is presumed
// down after repeated failures. One breaker instance belongs to one guarded
// dependency; it is never shared across unrelated call sites.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	now func() time.Time // test seam
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's policy.
//
// Closed: fn runs; FailureThreshold consecutive failures open the circuit.
// Open: calls fail immediately with ErrCircuitOpen until ResetTimeout has
// elapsed since the last failure, at which point exactly one trial call is
// admitted (half-open). A trial success closes the circuit and resets the
// counter; a trial failure reopens it and restarts the cooldown.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// admit decides whether the next call may proceed.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return nil
	case BreakerHalfOpen:
		// Only the single trial call runs in half-open; concurrent callers
		// fail fast rather than piling onto a possibly-down dependency.
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	default: // open
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transitionLocked(BreakerHalfOpen)
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}
}

// record updates breaker state after a call.
func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()

	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
		if err == nil {
			b.failures = 0
			b.transitionLocked(BreakerClosed)
		} else {
			b.lastFailure = b.now()
			b.transitionLocked(BreakerOpen)
		}
		b.mu.Unlock()
		return
	}

	if err == nil {
		b.failures = 0
		b.mu.Unlock()
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerClosed && b.failures >= b.cfg.FailureThreshold {
		b.transitionLocked(BreakerOpen)
	}
	b.mu.Unlock()
}

// transitionLocked changes state and notifies the observer. Caller holds
// b.mu; the callback runs on its own goroutine so it cannot deadlock by
// inspecting the breaker.
func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}
