// Package retry provides bounded retry with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxRetries is the default maximum number of retry attempts.
	DefaultMaxRetries = 1

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 5 * time.Second

	// DefaultJitterFactor is the default jitter factor.
	DefaultJitterFactor = 0.25
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after the
	// initial call. Default is 1.
	MaxRetries int

	// InitialBackoff is the backoff before the first retry. Default is
	// 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default is 5s.
	MaxBackoff time.Duration

	// JitterFactor adds up to this fraction of random extra backoff.
	// Default is 0.25.
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c *Config) maxRetries() int {
	if c == nil || c.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *Config) initialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

func (c *Config) maxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

func (c *Config) jitterFactor() float64 {
	if c == nil || c.JitterFactor < 0 {
		return DefaultJitterFactor
	}
	if c.JitterFactor > 1 {
		return 1
	}
	return c.JitterFactor
}

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc
}

// Do executes fn, retrying per the configuration. It returns the last
// error when all attempts fail, or the context error when the context
// expires between attempts.
func Do(ctx context.Context, cfg *Config, fn func() error, opts *Options) error {
	maxRetries := cfg.maxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt < maxRetries {
			backoff := Backoff(attempt, cfg.initialBackoff(), cfg.maxBackoff(), cfg.jitterFactor())

			if opts != nil && opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, backoff)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return lastErr
}

// Backoff calculates the exponential backoff duration for an attempt,
// with jitter to spread out synchronized retries.
func Backoff(attempt int, initial, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initial) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: retry timing jitter is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
