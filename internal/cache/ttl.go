package cache

import (
	"time"

	"github.com/verityhq/aigateway/internal/config"
)

// TTLPolicy computes per-entry TTLs from observed provider latency.
type TTLPolicy struct {
	enabled          bool
	defaultTTL       time.Duration
	minTTL           time.Duration
	maxTTL           time.Duration
	fastThreshold    time.Duration
	slowThreshold    time.Duration
	adjustmentFactor float64
}

// NewTTLPolicy builds a TTL policy from the cache configuration.
func NewTTLPolicy(cfg *config.CacheLifecycleConfig) *TTLPolicy {
	return &TTLPolicy{
		enabled:          cfg.PerformanceBasedTTL,
		defaultTTL:       cfg.DefaultTTL.Duration(),
		minTTL:           cfg.MinTTL.Duration(),
		maxTTL:           cfg.MaxTTL.Duration(),
		fastThreshold:    cfg.FastResponseThreshold.Duration(),
		slowThreshold:    cfg.SlowResponseThreshold.Duration(),
		adjustmentFactor: cfg.TTLAdjustmentFactor,
	}
}

// TTLFor returns the TTL for an entry produced in originLatency.
//
// Fast responses scale the default TTL up by the adjustment factor, slow
// responses scale it down, and anything between the thresholds keeps the
// default. The result is always clamped to [minTTL, maxTTL].
func (p *TTLPolicy) TTLFor(originLatency time.Duration) time.Duration {
	ttl := p.defaultTTL

	if p.enabled {
		switch {
		case originLatency <= p.fastThreshold:
			ttl = time.Duration(float64(ttl) * (1 + p.adjustmentFactor))
		case originLatency >= p.slowThreshold:
			ttl = time.Duration(float64(ttl) * (1 - p.adjustmentFactor))
		}
	}

	return p.clamp(ttl)
}

func (p *TTLPolicy) clamp(ttl time.Duration) time.Duration {
	if p.minTTL > 0 && ttl < p.minTTL {
		return p.minTTL
	}
	if p.maxTTL > 0 && ttl > p.maxTTL {
		return p.maxTTL
	}
	return ttl
}
