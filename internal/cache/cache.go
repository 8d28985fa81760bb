// Package cache stores AI responses keyed by request fingerprint.
//
// Entries carry lifecycle metadata so retention can adapt to observed
// provider latency. Fast responses tend to come from simple, stable
// queries and are kept longer; slow responses are costlier to be wrong
// about and expire sooner. Expiry is lazy, with a periodic sweep for the
// in-memory backend.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
)

// Common cache errors.
var (
	// ErrMiss indicates that no usable entry exists for the fingerprint.
	ErrMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrWrite indicates a backend write failure. Callers treat writes as
	// fail-open: the generated response is still served.
	ErrWrite = errors.New("cache write failed")
)

// Entry is a cached AI response with lifecycle metadata.
type Entry struct {
	// Key is the request fingerprint the entry is stored under.
	Key string `json:"key"`

	// Value is the stored response payload.
	Value []byte `json:"value"`

	// ContextDigest links the entry to the business context it was
	// generated from, for targeted invalidation.
	ContextDigest string `json:"contextDigest,omitempty"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time `json:"expiresAt"`

	// LastAccessedAt is the time of the most recent hit.
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	// HitCount is the number of times the entry has been served.
	HitCount int64 `json:"hitCount"`

	// OriginLatency is how long the provider took to produce the value.
	OriginLatency time.Duration `json:"originLatency"`
}

// IsExpired reports whether the entry has passed its expiry time.
func (e *Entry) IsExpired() bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(e.ExpiresAt)
}

// Age returns how long ago the entry was created.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// Store is the response cache interface.
type Store interface {
	// Get returns the entry for a fingerprint, or ErrMiss if absent or
	// expired. Implementations return a copy; callers own the result.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetStale returns the entry for a fingerprint even when expired,
	// or ErrMiss if absent. Used for stale fallback serving.
	GetStale(ctx context.Context, key string) (*Entry, error)

	// Put stores an entry. The entry's TTL fields must already be set.
	Put(ctx context.Context, entry *Entry) error

	// Invalidate removes the entry for a fingerprint.
	Invalidate(ctx context.Context, key string) error

	// InvalidateContext removes every entry whose context digest matches
	// and returns the number removed.
	InvalidateContext(ctx context.Context, digest string) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}

// Stats contains cache statistics.
type Stats struct {
	// Hits is the number of cache hits.
	Hits int64 `json:"hits"`

	// Misses is the number of cache misses.
	Misses int64 `json:"misses"`

	// Evictions is the number of capacity evictions.
	Evictions int64 `json:"evictions"`

	// Size is the current number of entries, where the backend can tell.
	Size int64 `json:"size"`
}

// HitRate returns the hit rate in [0, 1].
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New creates a cache store based on the configuration.
func New(cfg *config.CacheLifecycleConfig, logger observability.Logger) (Store, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Backend {
	case config.CacheBackendMemory, "":
		return newMemoryStore(cfg, logger), nil
	case config.CacheBackendRedis:
		return newRedisStore(cfg, logger)
	default:
		return nil, errors.New("unknown cache backend: " + cfg.Backend)
	}
}
