package circuitbreaker

import (
	"sync"

	"github.com/verityhq/aigateway/internal/observability"
)

// Registry manages one circuit breaker per provider endpoint.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger observability.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns the breaker for an endpoint, or nil if none exists yet.
func (r *Registry) Get(endpoint string) *Breaker {
	value, ok := r.breakers.Load(endpoint)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for an endpoint, creating it on first
// use. Concurrent first calls for the same endpoint converge on a single
// breaker.
func (r *Registry) GetOrCreate(endpoint string) *Breaker {
	if value, ok := r.breakers.Load(endpoint); ok {
		return value.(*Breaker)
	}

	b := NewBreaker(endpoint, r.config, r.logger)

	actual, loaded := r.breakers.LoadOrStore(endpoint, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("endpoint", endpoint),
	)

	return b
}

// ResetAll forces every breaker back to closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Stats returns a snapshot of every breaker keyed by endpoint.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// Count returns the number of breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
