// Package circuitbreaker guards provider endpoints against repeated
// failures. Each endpoint gets its own breaker so an outage in one
// provider or model never blocks traffic to the others.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/verityhq/aigateway/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing whether the endpoint
	// has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a request.
// It covers both the open state and the half-open state once all probe
// slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker implements a per-endpoint circuit breaker.
//
// In closed state every request is admitted and consecutive failures are
// counted. Reaching the failure threshold opens the circuit. While open,
// requests are rejected until the open timeout elapses, at which point
// the next admission check moves the breaker to half-open. Half-open
// admits a bounded number of concurrent probes; enough successful probes
// close the circuit, any probe failure reopens it and restarts the open
// timeout.
type Breaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu    sync.Mutex
	state State

	consecutiveFailures int
	halfOpenSuccesses   int
	probesInFlight      int

	openedAt        time.Time
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewBreaker creates a circuit breaker for the named endpoint.
func NewBreaker(name string, config *Config, logger observability.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Breaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request may proceed. It returns ErrCircuitOpen
// when the request must be rejected without contacting the endpoint.
//
// A nil return in half-open state claims a probe slot; the caller must
// follow up with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var allowed bool

	switch b.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if time.Since(b.openedAt) >= b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			b.probesInFlight = 1
			allowed = true
		}

	case StateHalfOpen:
		if b.probesInFlight < b.config.HalfOpenMaxProbes {
			b.probesInFlight++
			allowed = true
		}
	}

	RecordRequest(b.name, allowed)

	if !allowed {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	RecordSuccess(b.name)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.releaseProbe()
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	RecordFailure(b.name)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.releaseProbe()
		b.transitionTo(StateOpen)

	case StateOpen:
		// A late outcome from a request admitted before the circuit
		// opened. The open timer is not restarted for these.
	}
}

// RecordNeutral releases a half-open probe slot without counting the
// outcome either way. Used for results that say nothing about endpoint
// health, such as rejected-as-invalid requests or caller cancellation.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.releaseProbe()
	}
}

// releaseProbe returns a half-open probe slot. Callers must hold b.mu.
func (b *Breaker) releaseProbe() {
	if b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// transitionTo moves the breaker to a new state. Callers must hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	switch newState {
	case StateOpen:
		b.openedAt = b.lastStateChange
		b.halfOpenSuccesses = 0
		b.probesInFlight = 0

	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.probesInFlight = 0

	case StateClosed:
		// Failure tracking resets only here, so a breaker that reopens
		// from half-open keeps its history until a real recovery.
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
		b.probesInFlight = 0
	}

	RecordStateChange(b.name, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("endpoint", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the endpoint name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed)
		return
	}
	b.consecutiveFailures = 0
}

// Stats returns a point-in-time view of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		ProbesInFlight:      b.probesInFlight,
		OpenedAt:            b.openedAt,
		LastFailure:         b.lastFailure,
		LastStateChange:     b.lastStateChange,
	}
}

// Stats holds a snapshot of circuit breaker state.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	HalfOpenSuccesses   int       `json:"halfOpenSuccesses"`
	ProbesInFlight      int       `json:"probesInFlight"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

// MarshalJSON renders the state by name so snapshots stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
