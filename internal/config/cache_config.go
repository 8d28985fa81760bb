package config

import (
	"fmt"
	"time"
)

// Cache backend types.
const (
	// CacheBackendMemory uses the in-process LRU cache.
	CacheBackendMemory = "memory"

	// CacheBackendRedis uses Redis.
	CacheBackendRedis = "redis"
)

// CacheLifecycleConfig configures cache lifecycle management. It is loaded
// once at gateway construction and treated as an immutable value afterwards.
type CacheLifecycleConfig struct {
	// Backend is the cache backend type: "memory" or "redis".
	Backend string `yaml:"backend,omitempty"`

	// MaxEntries is the capacity of the in-memory cache.
	MaxEntries int `yaml:"maxEntries,omitempty"`

	// DefaultTTL is the baseline time-to-live for cached responses.
	DefaultTTL Duration `yaml:"defaultTTL,omitempty"`

	// MaxTTL is the upper bound for adaptively computed TTLs.
	MaxTTL Duration `yaml:"maxTTL,omitempty"`

	// MinTTL is the lower bound for adaptively computed TTLs. Entries
	// younger than MinTTL are also protected from capacity eviction.
	MinTTL Duration `yaml:"minTTL,omitempty"`

	// PerformanceBasedTTL enables TTL adaptation from observed provider
	// response times.
	PerformanceBasedTTL bool `yaml:"performanceBasedTTL"`

	// CacheWarmingEnabled enables proactive cache warming.
	CacheWarmingEnabled bool `yaml:"cacheWarmingEnabled"`

	// IntelligentInvalidation enables proactive invalidation on domain
	// events such as business profile updates.
	IntelligentInvalidation bool `yaml:"intelligentInvalidation"`

	// FastResponseThreshold marks provider responses fast enough to
	// extend the TTL of their cached result.
	FastResponseThreshold Duration `yaml:"fastResponseThreshold,omitempty"`

	// SlowResponseThreshold marks provider responses slow enough to
	// shorten the TTL of their cached result.
	SlowResponseThreshold Duration `yaml:"slowResponseThreshold,omitempty"`

	// TTLAdjustmentFactor is the relative adjustment (0 to 1) applied to
	// the TTL on fast or slow responses.
	TTLAdjustmentFactor float64 `yaml:"ttlAdjustmentFactor,omitempty"`

	// Redis contains Redis-specific configuration.
	Redis *RedisCacheConfig `yaml:"redis,omitempty"`
}

// RedisCacheConfig contains Redis-specific cache configuration.
type RedisCacheConfig struct {
	// URL is the Redis connection URL.
	// Format: redis://[user:password@]host:port[/db]
	URL string `yaml:"url"`

	// KeyPrefix is a prefix added to all cache keys.
	KeyPrefix string `yaml:"keyPrefix,omitempty"`

	// PoolSize is the maximum number of connections in the pool.
	PoolSize int `yaml:"poolSize,omitempty"`

	// ConnectTimeout is the timeout for establishing connections.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty"`
}

// DefaultCacheLifecycleConfig returns default cache lifecycle configuration.
func DefaultCacheLifecycleConfig() CacheLifecycleConfig {
	return CacheLifecycleConfig{
		Backend:                 CacheBackendMemory,
		MaxEntries:              DefaultCacheMaxEntries,
		DefaultTTL:              Duration(DefaultCacheTTL),
		MaxTTL:                  Duration(DefaultCacheMaxTTL),
		MinTTL:                  Duration(DefaultCacheMinTTL),
		PerformanceBasedTTL:     true,
		CacheWarmingEnabled:     true,
		IntelligentInvalidation: true,
		FastResponseThreshold:   Duration(DefaultFastResponseThreshold),
		SlowResponseThreshold:   Duration(DefaultSlowResponseThreshold),
		TTLAdjustmentFactor:     DefaultTTLAdjustmentFactor,
	}
}

// Validate checks the cache configuration and normalizes out-of-range values.
func (c *CacheLifecycleConfig) Validate() error {
	def := DefaultCacheLifecycleConfig()

	switch c.Backend {
	case "", CacheBackendMemory:
		c.Backend = CacheBackendMemory
	case CacheBackendRedis:
		if c.Redis == nil || c.Redis.URL == "" {
			return fmt.Errorf("cache: redis backend requires redis.url")
		}
	default:
		return fmt.Errorf("cache: unknown backend %q", c.Backend)
	}

	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.MinTTL <= 0 {
		c.MinTTL = def.MinTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = def.MaxTTL
	}
	if c.MinTTL > c.MaxTTL {
		return fmt.Errorf("cache: minTTL %s exceeds maxTTL %s",
			time.Duration(c.MinTTL), time.Duration(c.MaxTTL))
	}
	if c.TTLAdjustmentFactor < 0 || c.TTLAdjustmentFactor > 1 {
		c.TTLAdjustmentFactor = def.TTLAdjustmentFactor
	}
	if c.FastResponseThreshold <= 0 {
		c.FastResponseThreshold = def.FastResponseThreshold
	}
	if c.SlowResponseThreshold <= c.FastResponseThreshold {
		c.SlowResponseThreshold = def.SlowResponseThreshold
	}

	return nil
}
