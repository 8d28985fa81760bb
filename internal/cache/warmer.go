package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/fingerprint"
	"github.com/verityhq/aigateway/internal/observability"
)

// WarmFunc fetches and caches the response for one warm request. It is
// expected to go through the same path as foreground traffic so breaker
// protection and TTL policy apply.
type WarmFunc func(ctx context.Context, req fingerprint.Request) error

// Warmer pre-populates the cache from a warming manifest. Warming is
// rate limited so it never competes with foreground traffic for provider
// capacity, and requests that already have a fresh entry are skipped.
type Warmer struct {
	store   Store
	canon   *fingerprint.Canonicalizer
	limiter *rate.Limiter
	fetch   WarmFunc
	logger  observability.Logger
}

// NewWarmer creates a cache warmer. ratePerSecond bounds how many warm
// requests may reach the provider per second.
func NewWarmer(store Store, fetch WarmFunc, ratePerSecond float64, logger observability.Logger) *Warmer {
	if ratePerSecond <= 0 {
		ratePerSecond = config.DefaultWarmingRate
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Warmer{
		store:   store,
		canon:   fingerprint.NewCanonicalizer(),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		fetch:   fetch,
		logger:  logger,
	}
}

// Run warms every request in the manifest once. It returns the number of
// entries actually fetched. Individual failures are logged and counted
// but do not stop the pass; Run only returns early when the context is
// canceled.
func (w *Warmer) Run(ctx context.Context, manifest *config.WarmingManifest) (int, error) {
	if manifest == nil {
		return 0, nil
	}

	warmed := 0
	for _, wr := range manifest.Requests {
		req := fingerprint.Request{
			Provider:        wr.Provider,
			Model:           wr.Model,
			TemplateID:      wr.TemplateID,
			TemplateVersion: wr.TemplateVersion,
			Params:          wr.Params,
			ContextDigest:   wr.ContextDigest,
		}

		fp, err := w.canon.Fingerprint(req)
		if err != nil {
			w.logger.Warn("skipping invalid warm request",
				observability.String("templateId", wr.TemplateID),
				observability.Error(err))
			GetCacheMetrics().warmedTotal.WithLabelValues("invalid").Inc()
			continue
		}

		// A fresh entry means there is nothing to warm.
		if _, err := w.store.Get(ctx, fp.String()); err == nil {
			GetCacheMetrics().warmedTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return warmed, err
		}

		if err := w.fetch(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return warmed, err
			}
			w.logger.Warn("cache warm fetch failed",
				observability.String("templateId", wr.TemplateID),
				observability.Error(err))
			GetCacheMetrics().warmedTotal.WithLabelValues("failure").Inc()
			continue
		}

		GetCacheMetrics().warmedTotal.WithLabelValues("success").Inc()
		warmed++
	}

	w.logger.Info("cache warming pass completed",
		observability.Int("requested", len(manifest.Requests)),
		observability.Int("warmed", warmed))

	return warmed, nil
}

// RunPeriodically re-runs the warming pass on every tick and whenever a
// new manifest arrives, until the context is canceled. The initial
// manifest is warmed immediately.
func (w *Warmer) RunPeriodically(ctx context.Context, interval time.Duration, manifests <-chan *config.WarmingManifest) {
	if interval <= 0 {
		interval = time.Hour
	}

	var current *config.WarmingManifest

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case m, ok := <-manifests:
			if !ok {
				return
			}
			current = m
			if _, err := w.Run(ctx, current); err != nil {
				return
			}

		case <-ticker.C:
			if _, err := w.Run(ctx, current); err != nil {
				return
			}
		}
	}
}
