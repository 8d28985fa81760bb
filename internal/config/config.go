// Package config provides configuration types and loading for the AI gateway.
package config

import (
	"fmt"
	"time"
)

// Default values for the gateway configuration.
const (
	// DefaultCacheMaxEntries is the default capacity of the in-memory cache.
	DefaultCacheMaxEntries = 10000

	// DefaultCacheTTL is the default time-to-live for cached responses.
	DefaultCacheTTL = 2 * time.Hour

	// DefaultCacheMaxTTL is the upper bound for adaptively computed TTLs.
	DefaultCacheMaxTTL = 24 * time.Hour

	// DefaultCacheMinTTL is the lower bound for adaptively computed TTLs.
	DefaultCacheMinTTL = 30 * time.Minute

	// DefaultFastResponseThreshold marks responses considered fast enough
	// to extend the cache lifetime of their result.
	DefaultFastResponseThreshold = 200 * time.Millisecond

	// DefaultSlowResponseThreshold marks responses considered slow enough
	// to shorten the cache lifetime of their result.
	DefaultSlowResponseThreshold = 2 * time.Second

	// DefaultTTLAdjustmentFactor is the relative TTL adjustment applied on
	// fast or slow responses.
	DefaultTTLAdjustmentFactor = 0.2

	// DefaultCallTimeout is the per-attempt provider call timeout.
	DefaultCallTimeout = 30 * time.Second

	// DefaultWarmingRate is the maximum number of warming dispatches per second.
	DefaultWarmingRate = 2.0

	// DefaultAdminAddr is the default listen address of the admin server.
	DefaultAdminAddr = ":9090"
)

// Config is the root configuration for the AI gateway.
type Config struct {
	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Admin configures the admin/monitoring HTTP server.
	Admin AdminConfig `yaml:"admin"`

	// Providers lists the configured AI provider endpoints.
	Providers []ProviderConfig `yaml:"providers"`

	// Cache configures cache lifecycle behavior.
	Cache CacheLifecycleConfig `yaml:"cache"`

	// Breaker configures circuit breaker thresholds for provider endpoints.
	Breaker BreakerConfig `yaml:"breaker"`

	// Dispatch configures provider call dispatching.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Warming configures proactive cache warming.
	Warming WarmingConfig `yaml:"warming"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log output format (json, console).
	Format string `yaml:"format"`

	// Output is the log destination (stdout, stderr).
	Output string `yaml:"output,omitempty"`
}

// AdminConfig configures the admin/monitoring HTTP server.
type AdminConfig struct {
	// Enabled indicates whether the admin server is started.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address, e.g. ":9090".
	Addr string `yaml:"addr,omitempty"`
}

// ProviderConfig describes a single AI provider endpoint.
type ProviderConfig struct {
	// Name identifies the provider, e.g. "gemini".
	Name string `yaml:"name"`

	// Model is the model served by this endpoint, e.g. "gemini-2.5-flash".
	Model string `yaml:"model"`

	// URL is the HTTP endpoint for generation requests.
	URL string `yaml:"url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"apiKeyEnv,omitempty"`
}

// BreakerConfig holds circuit breaker thresholds applied per provider endpoint.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int `yaml:"failureThreshold,omitempty"`

	// Timeout is how long the circuit stays open before allowing a probe.
	Timeout Duration `yaml:"timeout,omitempty"`

	// HalfOpenMaxCalls is the maximum number of concurrent probe calls
	// allowed in half-open state.
	HalfOpenMaxCalls int `yaml:"halfOpenMaxCalls,omitempty"`

	// SuccessThreshold is the number of probe successes needed to close
	// the circuit from half-open.
	SuccessThreshold int `yaml:"successThreshold,omitempty"`
}

// DispatchConfig configures provider call dispatching.
type DispatchConfig struct {
	// CallTimeout bounds each individual provider call attempt.
	CallTimeout Duration `yaml:"callTimeout,omitempty"`

	// ServeStaleOnOpen serves expired cache entries as a fallback while
	// an endpoint's circuit is open.
	ServeStaleOnOpen bool `yaml:"serveStaleOnOpen"`
}

// WarmingConfig configures proactive cache warming.
type WarmingConfig struct {
	// Enabled indicates whether cache warming runs.
	Enabled bool `yaml:"enabled"`

	// ManifestPath is the YAML file listing requests to keep warm.
	ManifestPath string `yaml:"manifestPath,omitempty"`

	// Interval is how often the warming pass runs.
	Interval Duration `yaml:"interval,omitempty"`

	// RatePerSecond caps warming dispatches so foreground traffic is
	// never starved.
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Admin:   AdminConfig{Enabled: true, Addr: DefaultAdminAddr},
		Cache:   DefaultCacheLifecycleConfig(),
		Breaker: DefaultBreakerConfig(),
		Dispatch: DispatchConfig{
			CallTimeout: Duration(DefaultCallTimeout),
		},
		Warming: WarmingConfig{
			Enabled:       false,
			Interval:      Duration(5 * time.Minute),
			RatePerSecond: DefaultWarmingRate,
		},
	}
}

// DefaultBreakerConfig returns default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          Duration(60 * time.Second),
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 3,
	}
}

// Validate checks the configuration and normalizes out-of-range values.
func (c *Config) Validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %q: model is required", p.Name)
		}
		if p.URL == "" {
			return fmt.Errorf("provider %q: url is required", p.Name)
		}
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}
	c.Breaker.normalize()

	if c.Dispatch.CallTimeout <= 0 {
		c.Dispatch.CallTimeout = Duration(DefaultCallTimeout)
	}

	if c.Warming.Enabled {
		if c.Warming.ManifestPath == "" {
			return fmt.Errorf("warming: manifestPath is required when warming is enabled")
		}
		if c.Warming.Interval <= 0 {
			c.Warming.Interval = Duration(5 * time.Minute)
		}
		if c.Warming.RatePerSecond <= 0 {
			c.Warming.RatePerSecond = DefaultWarmingRate
		}
	}

	return nil
}

// normalize replaces out-of-range breaker thresholds with defaults.
func (b *BreakerConfig) normalize() {
	def := DefaultBreakerConfig()
	if b.FailureThreshold < 1 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.Timeout < Duration(time.Millisecond) {
		b.Timeout = def.Timeout
	}
	if b.HalfOpenMaxCalls < 1 {
		b.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if b.SuccessThreshold < 1 {
		b.SuccessThreshold = def.SuccessThreshold
	}
}
