package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/aigateway/internal/cache"
	"github.com/verityhq/aigateway/internal/circuitbreaker"
	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/dispatcher"
	"github.com/verityhq/aigateway/internal/fingerprint"
	"github.com/verityhq/aigateway/internal/provider"
)

// blockingProvider lets tests control exactly when provider calls
// complete and observe how many were issued.
type blockingProvider struct {
	name    string
	calls   atomic.Int64
	release chan struct{}
	err     error
	delay   time.Duration
}

func newBlockingProvider(name string) *blockingProvider {
	return &blockingProvider{name: name, release: make(chan struct{})}
}

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) Call(ctx context.Context, _ provider.Request) (*provider.Response, error) {
	p.calls.Add(1)

	if p.release != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.release:
		}
	}
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{Value: []byte("generated"), Model: "m"}, nil
}

// countingStore wraps a Store and counts writes.
type countingStore struct {
	cache.Store
	puts atomic.Int64
}

func (s *countingStore) Put(ctx context.Context, entry *cache.Entry) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, entry)
}

func gatewayConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Breaker = config.BreakerConfig{
		FailureThreshold: 3,
		Timeout:          config.Duration(time.Minute),
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
	cfg.Dispatch.CallTimeout = config.Duration(2 * time.Second)
	cfg.Cache.MinTTL = 0
	cfg.Cache.IntelligentInvalidation = true
	return cfg
}

func newTestGateway(t *testing.T, prov provider.Provider, opts ...Option) (*Gateway, *countingStore) {
	t.Helper()

	cfg := gatewayConfig()

	memStore, err := cache.New(&cfg.Cache, nil)
	require.NoError(t, err)
	store := &countingStore{Store: memStore}

	opts = append([]Option{WithStore(store)}, opts...)
	g, err := New(cfg, provider.NewRegistry(prov), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return g, store
}

func testRequest() fingerprint.Request {
	return fingerprint.Request{
		Provider:        "gemini",
		Model:           "gemini-2.5-flash",
		TemplateID:      "assessment_question",
		TemplateVersion: "v2",
		Params:          map[string]string{"framework": "ISO27001"},
		ContextDigest:   "digest-1",
	}
}

func TestGenerate_MissThenHit(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, store := newTestGateway(t, prov)

	first, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("generated"), first.Value)
	assert.False(t, first.FromCache)
	assert.Equal(t, "gemini:gemini-2.5-flash", first.Endpoint)
	assert.NotEmpty(t, first.RequestID)

	second, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, []byte("generated"), second.Value)
	assert.GreaterOrEqual(t, second.Age, time.Duration(0))
	assert.NotEqual(t, first.RequestID, second.RequestID)

	assert.Equal(t, int64(1), prov.calls.Load())
	assert.Equal(t, int64(1), store.puts.Load())
}

func TestGenerate_InvalidRequest(t *testing.T) {
	g, store := newTestGateway(t, newBlockingProvider("gemini"))

	req := testRequest()
	req.TemplateID = ""
	_, err := g.Generate(context.Background(), req)
	assert.ErrorIs(t, err, fingerprint.ErrInvalidRequest)
	assert.Zero(t, store.puts.Load())
}

func TestGenerate_UnknownProvider(t *testing.T) {
	g, _ := newTestGateway(t, newBlockingProvider("gemini"))

	req := testRequest()
	req.Provider = "anthropic"
	_, err := g.Generate(context.Background(), req)
	assert.ErrorIs(t, err, provider.ErrInvalidRequest)
}

func TestGenerate_CoalescesConcurrentMisses(t *testing.T) {
	prov := newBlockingProvider("gemini")
	g, store := newTestGateway(t, prov)

	const n = 25
	results := make([]*Result, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Generate(context.Background(), testRequest())
		}(i)
	}

	// Let the goroutines pile up on the single in-flight call, then
	// release the provider.
	assert.Eventually(t, func() bool {
		return prov.calls.Load() == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(prov.release)
	wg.Wait()

	coalesced := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("generated"), results[i].Value)
		if results[i].Coalesced {
			coalesced++
		}
	}

	assert.Equal(t, int64(1), prov.calls.Load())
	assert.Equal(t, int64(1), store.puts.Load())
	assert.Equal(t, n-1, coalesced)
	assert.Zero(t, g.inflight.size())
}

func waiterCount(g *Gateway, key string) int {
	g.inflight.mu.Lock()
	defer g.inflight.mu.Unlock()
	c, ok := g.inflight.calls[key]
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}

func fingerprintKey(t *testing.T, req fingerprint.Request) string {
	t.Helper()
	fp, err := fingerprint.NewCanonicalizer().Fingerprint(req)
	require.NoError(t, err)
	return fp.String()
}

func TestGenerate_WaiterCancelDetachesIndividually(t *testing.T) {
	prov := newBlockingProvider("gemini")
	g, _ := newTestGateway(t, prov)
	key := fingerprintKey(t, testRequest())

	first := make(chan error, 1)
	go func() {
		_, err := g.Generate(context.Background(), testRequest())
		first <- err
	}()

	require.Eventually(t, func() bool {
		return prov.calls.Load() == 1
	}, time.Second, time.Millisecond)

	// Second caller joins the in-flight call, then cancels.
	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := g.Generate(ctx, testRequest())
		second <- err
	}()

	require.Eventually(t, func() bool {
		return waiterCount(g, key) == 2
	}, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-second, context.Canceled)

	// The surviving caller still gets the result.
	close(prov.release)
	require.NoError(t, <-first)
	assert.Equal(t, int64(1), prov.calls.Load())
}

func TestGenerate_AllWaitersGoneCancelsDispatch(t *testing.T) {
	prov := newBlockingProvider("gemini")
	g, store := newTestGateway(t, prov)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(ctx, testRequest())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return prov.calls.Load() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The provider call observed the cancellation and nothing was
	// cached.
	assert.Eventually(t, func() bool {
		return g.inflight.size() == 0
	}, time.Second, time.Millisecond)
	assert.Zero(t, store.puts.Load())
}

func TestGenerate_ResolverCancelDoesNotAbandonWaiters(t *testing.T) {
	prov := newBlockingProvider("gemini")
	g, _ := newTestGateway(t, prov)

	resolverCtx, cancelResolver := context.WithCancel(context.Background())
	resolverErr := make(chan error, 1)
	go func() {
		_, err := g.Generate(resolverCtx, testRequest())
		resolverErr <- err
	}()

	require.Eventually(t, func() bool {
		return prov.calls.Load() == 1
	}, time.Second, time.Millisecond)

	key := fingerprintKey(t, testRequest())
	waiterRes := make(chan *Result, 1)
	waiterErrCh := make(chan error, 1)
	go func() {
		res, err := g.Generate(context.Background(), testRequest())
		waiterRes <- res
		waiterErrCh <- err
	}()

	require.Eventually(t, func() bool {
		return waiterCount(g, key) == 2
	}, time.Second, time.Millisecond)

	// The caller that started the fetch cancels, but the waiter keeps
	// the fetch alive.
	cancelResolver()
	require.ErrorIs(t, <-resolverErr, context.Canceled)

	close(prov.release)
	res := <-waiterRes
	require.NoError(t, <-waiterErrCh)
	assert.Equal(t, []byte("generated"), res.Value)
	assert.Equal(t, int64(1), prov.calls.Load())
}

func TestGenerate_BreakerOpenSurfacesError(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	prov.err = provider.ErrUnavailable
	g, _ := newTestGateway(t, prov)

	// Two dispatches at two attempts each push the breaker past its
	// threshold of three.
	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), testRequest())
		require.Error(t, err)
	}

	calls := prov.calls.Load()
	_, err := g.Generate(context.Background(), testRequest())
	assert.ErrorIs(t, err, dispatcher.ErrCircuitOpen)
	assert.Equal(t, calls, prov.calls.Load())
}

func TestGenerate_StaleOnOpenServesExpiredEntry(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, store := newTestGateway(t, prov, WithStaleOnOpen())

	// Populate the cache, then expire the entry manually.
	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, res.FromCache)

	canon := fingerprint.NewCanonicalizer()
	fp, err := canon.Fingerprint(testRequest())
	require.NoError(t, err)

	entry, err := store.GetStale(context.Background(), fp.String())
	require.NoError(t, err)
	entry.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Store.Put(context.Background(), entry))

	// Break the endpoint.
	prov.err = provider.ErrUnavailable
	for i := 0; i < 2; i++ {
		_, _ = g.Generate(context.Background(), testRequest())
	}
	require.Equal(t, circuitbreaker.StateOpen,
		g.Breakers().Get("gemini:gemini-2.5-flash").State())

	stale, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, stale.FromCache)
	assert.True(t, stale.Stale)
	assert.Equal(t, []byte("generated"), stale.Value)
}

func TestGenerate_CacheWriteFailureIsFailOpen(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, _ := newTestGateway(t, prov)

	failing := &failingStore{Store: g.store}
	g.store = failing

	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("generated"), res.Value)
	assert.Equal(t, int64(1), failing.failures.Load())
}

type failingStore struct {
	cache.Store
	failures atomic.Int64
}

func (s *failingStore) Put(context.Context, *cache.Entry) error {
	s.failures.Add(1)
	return assert.AnError
}

func TestInvalidate(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, _ := newTestGateway(t, prov)

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	require.NoError(t, g.Invalidate(context.Background(), testRequest()))

	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), prov.calls.Load())
}

func TestInvalidateForContext(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, _ := newTestGateway(t, prov)

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	removed, err := g.InvalidateForContext(context.Background(), "digest-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, res.FromCache)
}

func TestInvalidateForContext_DisabledIsNoOp(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil

	cfg := gatewayConfig()
	cfg.Cache.IntelligentInvalidation = false

	memStore, err := cache.New(&cfg.Cache, nil)
	require.NoError(t, err)
	g, err := New(cfg, provider.NewRegistry(prov), nil, WithStore(memStore))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	_, err = g.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	removed, err := g.InvalidateForContext(context.Background(), "digest-1")
	require.NoError(t, err)
	assert.Zero(t, removed)

	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, res.FromCache)
}

func TestWarmUp(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, store := newTestGateway(t, prov)

	manifest := &config.WarmingManifest{
		Requests: []config.WarmRequest{
			{
				Provider:        "gemini",
				Model:           "gemini-2.5-flash",
				TemplateID:      "assessment_question",
				TemplateVersion: "v2",
				Params:          map[string]string{"framework": "ISO27001"},
				ContextDigest:   "digest-1",
			},
		},
	}

	warmed, err := g.WarmUp(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)
	assert.Equal(t, int64(1), store.puts.Load())

	// The warmed entry now serves foreground traffic.
	res, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	// A second pass skips the fresh entry.
	warmed, err = g.WarmUp(context.Background(), manifest)
	require.NoError(t, err)
	assert.Zero(t, warmed)
	assert.Equal(t, int64(1), prov.calls.Load())
}

func TestSnapshot(t *testing.T) {
	prov := newBlockingProvider("gemini")
	prov.release = nil
	g, _ := newTestGateway(t, prov)

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	snap := g.Snapshot()
	require.Contains(t, snap.Breakers, "gemini:gemini-2.5-flash")
	assert.Equal(t, circuitbreaker.StateClosed, snap.Breakers["gemini:gemini-2.5-flash"].State)
	assert.Equal(t, int64(1), snap.Cache.Hits)
	assert.Equal(t, 1, snap.Endpoints["gemini:gemini-2.5-flash"].Count)
	assert.Zero(t, snap.InFlight)
	assert.Greater(t, snap.Cache.HitRate, 0.0)
}
