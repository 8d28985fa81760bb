// Package gateway is the facade in front of external generative-AI
// providers. It canonicalizes requests into fingerprints, serves cached
// responses, coalesces concurrent identical misses into a single
// provider call, and routes misses through circuit-breaker-protected
// dispatch.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityhq/aigateway/internal/cache"
	"github.com/verityhq/aigateway/internal/circuitbreaker"
	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/dispatcher"
	"github.com/verityhq/aigateway/internal/fingerprint"
	"github.com/verityhq/aigateway/internal/observability"
	"github.com/verityhq/aigateway/internal/provider"
	"github.com/verityhq/aigateway/internal/stats"
)

// gatewayTracerName is the OpenTelemetry tracer name for gateway calls.
const gatewayTracerName = "aigateway/gateway"

// Result is the outcome of a Generate call.
type Result struct {
	// Value is the response payload.
	Value []byte

	// Model is the model that produced the value, where known.
	Model string

	// Endpoint is the provider endpoint the request resolved to.
	Endpoint string

	// FromCache reports whether the value was served from the cache.
	FromCache bool

	// Stale reports whether the value came from an expired entry served
	// as a fallback while the endpoint's circuit is open.
	Stale bool

	// Coalesced reports whether this call waited on another in-flight
	// call instead of dispatching its own.
	Coalesced bool

	// Age is how old the served value is. Zero for freshly generated
	// responses.
	Age time.Duration

	// RequestID identifies this gateway call in logs.
	RequestID string
}

// Gateway mediates all calls to generative-AI providers.
type Gateway struct {
	canon     *fingerprint.Canonicalizer
	store     cache.Store
	ttl       *cache.TTLPolicy
	breakers  *circuitbreaker.Registry
	dispatch  *dispatcher.Dispatcher
	providers *provider.Registry
	feed      *stats.Feed
	inflight  *inFlightRegistry
	logger    observability.Logger

	staleOnOpen  bool
	invalidation bool
	warmingRate  float64
}

// Option configures the gateway at construction time.
type Option func(*Gateway)

// WithStaleOnOpen makes the gateway serve expired cache entries as a
// fallback while an endpoint's circuit is open.
func WithStaleOnOpen() Option {
	return func(g *Gateway) {
		g.staleOnOpen = true
	}
}

// WithStore overrides the cache store, mainly for tests.
func WithStore(store cache.Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// New creates a gateway from configuration.
func New(cfg *config.Config, providers *provider.Registry, logger observability.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	feed := stats.NewFeed(stats.WithMetrics(stats.GetMetrics()))
	breakers := circuitbreaker.NewRegistry(breakerConfig(cfg.Breaker), logger)

	g := &Gateway{
		canon:        fingerprint.NewCanonicalizer(),
		ttl:          cache.NewTTLPolicy(&cfg.Cache),
		breakers:     breakers,
		dispatch:     dispatcher.New(breakers, feed, cfg.Dispatch.CallTimeout.Duration(), logger),
		providers:    providers,
		feed:         feed,
		inflight:     newInFlightRegistry(),
		logger:       logger,
		invalidation: cfg.Cache.IntelligentInvalidation,
		warmingRate:  cfg.Warming.RatePerSecond,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil {
		store, err := cache.New(&cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		g.store = store
	}

	return g, nil
}

// breakerConfig maps the config-file breaker settings to the breaker
// package's config.
func breakerConfig(cfg config.BreakerConfig) *circuitbreaker.Config {
	return &circuitbreaker.Config{
		FailureThreshold:  cfg.FailureThreshold,
		OpenTimeout:       cfg.Timeout.Duration(),
		HalfOpenMaxProbes: cfg.HalfOpenMaxCalls,
		SuccessThreshold:  cfg.SuccessThreshold,
	}
}

// Generate serves one AI request: from the cache when possible, by
// joining an identical in-flight call when one exists, and otherwise by
// dispatching to the provider and caching the result.
//
// Waiters that cancel detach individually; the provider call itself is
// only abandoned when every caller interested in the fingerprint has
// gone away.
func (g *Gateway) Generate(ctx context.Context, req fingerprint.Request) (*Result, error) {
	requestID := uuid.NewString()
	ctx = observability.ContextWithRequestID(ctx, requestID)

	ctx, span := otel.Tracer(gatewayTracerName).Start(ctx, "gateway.Generate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gateway.provider", req.Provider),
			attribute.String("gateway.template_id", req.TemplateID),
		),
	)
	defer span.End()

	fp, err := g.canon.Fingerprint(req)
	if err != nil {
		return nil, err
	}
	key := fp.String()
	span.SetAttributes(attribute.String("gateway.fingerprint", key))

	if entry, cerr := g.store.Get(ctx, key); cerr == nil {
		span.SetAttributes(attribute.Bool("gateway.cache_hit", true))
		g.logger.Debug("cache hit",
			observability.String("requestId", requestID),
			observability.String("fingerprint", key))
		return resultFromEntry(entry, req.Endpoint(), requestID, false), nil
	}
	span.SetAttributes(attribute.Bool("gateway.cache_hit", false))

	call, isResolver := g.inflight.join(key)
	if isResolver {
		g.resolve(ctx, call, req, key)
	} else {
		span.SetAttributes(attribute.Bool("gateway.coalesced", true))
	}

	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		result := *call.result
		result.RequestID = requestID
		result.Coalesced = !isResolver
		return &result, nil

	case <-ctx.Done():
		call.leave()
		return nil, ctx.Err()
	}
}

// resolve starts the provider fetch for a fingerprint in a goroutine
// whose context is detached from the initiating caller, so the fetch
// survives that caller's cancellation as long as any waiter remains.
func (g *Gateway) resolve(ctx context.Context, call *inFlightCall, req fingerprint.Request, key string) {
	resolverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call.bind(cancel)

	go func() {
		defer cancel()

		result, err := g.fetch(resolverCtx, req, key)

		g.inflight.remove(key)
		call.settle(result, err)
	}()
}

// fetch dispatches the provider call and writes the result to the
// cache. Cache write failures are fail-open: the response is still
// returned to callers.
func (g *Gateway) fetch(ctx context.Context, req fingerprint.Request, key string) (*Result, error) {
	prov, err := g.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	endpoint := req.Endpoint()
	resp, err := g.dispatch.Dispatch(ctx, endpoint, prov, provider.Request{
		Model:           req.Model,
		TemplateID:      req.TemplateID,
		TemplateVersion: req.TemplateVersion,
		Params:          req.Params,
	})
	if err != nil {
		if g.staleOnOpen && errors.Is(err, dispatcher.ErrCircuitOpen) {
			if entry, serr := g.store.GetStale(ctx, key); serr == nil {
				g.logger.Warn("serving stale entry while circuit is open",
					observability.String("endpoint", endpoint),
					observability.String("fingerprint", key))
				result := resultFromEntry(entry, endpoint, "", false)
				result.Stale = entry.IsExpired()
				return result, nil
			}
		}
		return nil, err
	}

	ttl := g.ttl.TTLFor(resp.Latency)
	now := time.Now()
	entry := &cache.Entry{
		Key:           key,
		Value:         resp.Value,
		ContextDigest: req.ContextDigest,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		OriginLatency: resp.Latency,
	}
	if werr := g.store.Put(ctx, entry); werr != nil {
		g.logger.Error("cache write failed",
			observability.String("fingerprint", key),
			observability.Error(werr))
	}

	return &Result{
		Value:    resp.Value,
		Model:    resp.Model,
		Endpoint: endpoint,
	}, nil
}

func resultFromEntry(entry *cache.Entry, endpoint, requestID string, stale bool) *Result {
	return &Result{
		Value:     entry.Value,
		Endpoint:  endpoint,
		FromCache: true,
		Stale:     stale,
		Age:       entry.Age(),
		RequestID: requestID,
	}
}

// Invalidate removes the cached response for one request descriptor.
func (g *Gateway) Invalidate(ctx context.Context, req fingerprint.Request) error {
	fp, err := g.canon.Fingerprint(req)
	if err != nil {
		return err
	}
	return g.store.Invalidate(ctx, fp.String())
}

// InvalidateForContext removes every cached response generated under
// the given business-context digest. It is a no-op unless intelligent
// invalidation is enabled in the cache configuration.
func (g *Gateway) InvalidateForContext(ctx context.Context, digest string) (int, error) {
	if !g.invalidation {
		g.logger.Debug("intelligent invalidation disabled, skipping",
			observability.String("digest", digest))
		return 0, nil
	}
	return g.store.InvalidateContext(ctx, digest)
}

// WarmUp runs one warming pass over the manifest through the normal
// generate path, so breaker protection, coalescing, and TTL policy all
// apply to warm fetches.
func (g *Gateway) WarmUp(ctx context.Context, manifest *config.WarmingManifest) (int, error) {
	return g.warmer().Run(ctx, manifest)
}

// StartWarming keeps the cache warm until the context is canceled,
// re-running a pass on every interval tick and whenever an updated
// manifest arrives.
func (g *Gateway) StartWarming(ctx context.Context, interval time.Duration, manifests <-chan *config.WarmingManifest) {
	g.warmer().RunPeriodically(ctx, interval, manifests)
}

func (g *Gateway) warmer() *cache.Warmer {
	return cache.NewWarmer(g.store, func(ctx context.Context, req fingerprint.Request) error {
		_, err := g.Generate(ctx, req)
		return err
	}, g.warmingRate, g.logger)
}

// Snapshot is a point-in-time observability view of the gateway.
type Snapshot struct {
	// Breakers holds per-endpoint circuit breaker state.
	Breakers map[string]circuitbreaker.Stats `json:"breakers"`

	// Cache holds cache hit statistics.
	Cache CacheSnapshot `json:"cache"`

	// Endpoints holds rolling per-endpoint call statistics.
	Endpoints map[string]stats.EndpointStats `json:"endpoints"`

	// InFlight is the number of coalesced fetches currently running.
	InFlight int `json:"inFlight"`
}

// CacheSnapshot augments raw cache stats with the derived hit rate.
type CacheSnapshot struct {
	cache.Stats
	HitRate float64 `json:"hitRate"`
}

// Snapshot returns the current observability view.
func (g *Gateway) Snapshot() Snapshot {
	cs := g.store.Stats()
	return Snapshot{
		Breakers: g.breakers.Stats(),
		Cache: CacheSnapshot{
			Stats:   cs,
			HitRate: cs.HitRate(),
		},
		Endpoints: g.feed.Snapshot(),
		InFlight:  g.inflight.size(),
	}
}

// Ping verifies the cache backend is reachable, for readiness probes.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Breakers exposes the circuit breaker registry for administration.
func (g *Gateway) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Close releases the gateway's cache resources.
func (g *Gateway) Close() error {
	return g.store.Close()
}
