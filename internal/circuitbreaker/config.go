package circuitbreaker

import "time"

// Default configuration values.
const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// opens the circuit.
	DefaultFailureThreshold = 5

	// DefaultOpenTimeout is how long the circuit stays open before
	// probing is allowed.
	DefaultOpenTimeout = 60 * time.Second

	// DefaultHalfOpenMaxProbes is the maximum number of concurrent probe
	// requests allowed in half-open state.
	DefaultHalfOpenMaxProbes = 3

	// DefaultSuccessThreshold is the number of probe successes required
	// to close the circuit again.
	DefaultSuccessThreshold = 3
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures after which
	// the circuit opens.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before transitioning
	// to half-open on the next admission check.
	OpenTimeout time.Duration

	// HalfOpenMaxProbes caps the number of concurrent requests admitted
	// while the circuit is half-open.
	HalfOpenMaxProbes int

	// SuccessThreshold is the number of successful probes required to
	// close the circuit from half-open.
	SuccessThreshold int

	// OnStateChange is called asynchronously after each state transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  DefaultFailureThreshold,
		OpenTimeout:       DefaultOpenTimeout,
		HalfOpenMaxProbes: DefaultHalfOpenMaxProbes,
		SuccessThreshold:  DefaultSuccessThreshold,
	}
}

// Validate normalizes invalid values to defaults.
func (c *Config) Validate() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = DefaultHalfOpenMaxProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
}
