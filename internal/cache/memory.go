package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "aigateway/cache"

// memoryStore implements an in-memory LRU store with lazy expiry.
type memoryStore struct {
	logger     observability.Logger
	maxEntries int
	minTTL     time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	// byDigest indexes entry keys by context digest for targeted
	// invalidation without a full scan.
	byDigest map[string]map[string]struct{}

	hits      int64
	misses    int64
	evictions int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

func newMemoryStore(cfg *config.CacheLifecycleConfig, logger observability.Logger) *memoryStore {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultCacheMaxEntries
	}

	s := &memoryStore{
		logger:     logger,
		maxEntries: maxEntries,
		minTTL:     cfg.MinTTL.Duration(),
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		byDigest:   make(map[string]map[string]struct{}),
		stopCh:     make(chan struct{}),
	}

	go s.cleanupLoop()

	logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Duration("minTTL", s.minTTL))

	return s
}

// Get retrieves a fresh entry. Expired entries count as misses but stay
// resident until the sweep collects them.
func (s *memoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues(
			"memory", "get",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		s.recordMiss()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	entry := elem.Value.(*Entry)
	if entry.IsExpired() {
		// Expired entries are misses but stay resident until the sweep
		// so they remain available for stale fallback serving.
		s.recordMiss()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	s.eviction.MoveToFront(elem)
	entry.LastAccessedAt = time.Now()
	entry.HitCount++

	atomic.AddInt64(&s.hits, 1)
	GetCacheMetrics().hitsTotal.WithLabelValues("memory").Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(entry.Value)),
	)

	cp := *entry
	return &cp, nil
}

// GetStale retrieves an entry regardless of expiry. Stale reads do not
// count as hits and do not refresh the entry's LRU position.
func (s *memoryStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.GetStale",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrMiss
	}

	entry := elem.Value.(*Entry)
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Bool("cache.stale", entry.IsExpired()),
	)

	cp := *entry
	return &cp, nil
}

// Put stores an entry, evicting least-recently-used entries over
// capacity. Entries created within the last minTTL window are protected
// from capacity eviction.
func (s *memoryStore) Put(ctx context.Context, entry *Entry) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Put",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", entry.Key),
			attribute.Int("cache.value_size", len(entry.Value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues(
			"memory", "put",
		).Observe(time.Since(start).Seconds())
	}()

	cp := *entry

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[cp.Key]; exists {
		old := elem.Value.(*Entry)
		s.unindexDigest(old)
		elem.Value = &cp
		s.indexDigest(&cp)
		s.eviction.MoveToFront(elem)
		return nil
	}

	elem := s.eviction.PushFront(&cp)
	s.items[cp.Key] = elem
	s.indexDigest(&cp)

	for s.eviction.Len() > s.maxEntries {
		if !s.evictOldest() {
			break
		}
	}

	GetCacheMetrics().sizeGauge.WithLabelValues("memory").Set(float64(s.eviction.Len()))

	s.logger.Debug("cache put",
		observability.String("key", cp.Key),
		observability.Time("expiresAt", cp.ExpiresAt),
		observability.Int("size", s.eviction.Len()))

	return nil
}

// Invalidate removes the entry for a fingerprint.
func (s *memoryStore) Invalidate(ctx context.Context, key string) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.removeElement(elem)
		s.logger.Debug("cache invalidated",
			observability.String("key", key))
	}

	return nil
}

// InvalidateContext removes every entry with the given context digest.
func (s *memoryStore) InvalidateContext(ctx context.Context, digest string) (int, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.InvalidateContext",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.context_digest", digest),
		),
	)
	defer span.End()

	if digest == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byDigest[digest]
	removed := 0
	for key := range keys {
		if elem, exists := s.items[key]; exists {
			s.removeElement(elem)
			removed++
		}
	}

	span.SetAttributes(attribute.Int("cache.invalidated", removed))
	if removed > 0 {
		s.logger.Info("cache context invalidated",
			observability.String("digest", digest),
			observability.Int("removed", removed))
	}

	return removed, nil
}

// Ping always succeeds for the in-process store.
func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}

// Stats returns cache statistics.
func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	size := int64(s.eviction.Len())
	s.mu.Unlock()

	return Stats{
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Evictions: atomic.LoadInt64(&s.evictions),
		Size:      size,
	}
}

// Close stops the cleanup goroutine and drops all entries.
func (s *memoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.byDigest = make(map[string]map[string]struct{})
	s.eviction.Init()

	s.logger.Info("memory cache closed")
	return nil
}

// recordMiss updates miss accounting. Callers must hold s.mu.
func (s *memoryStore) recordMiss() {
	atomic.AddInt64(&s.misses, 1)
	GetCacheMetrics().missesTotal.WithLabelValues("memory").Inc()
}

// evictOldest removes the least-recently-used evictable entry and
// reports whether one was found. Entries still inside their minTTL
// creation window are skipped so back-to-back identical queries cannot
// thrash each other out. Callers must hold s.mu.
func (s *memoryStore) evictOldest() bool {
	cutoff := time.Now().Add(-s.minTTL)

	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*Entry)
		if s.minTTL > 0 && entry.CreatedAt.After(cutoff) {
			continue
		}
		s.removeElement(elem)
		atomic.AddInt64(&s.evictions, 1)
		GetCacheMetrics().evictionsTotal.WithLabelValues("memory").Inc()
		return true
	}

	return false
}

// removeElement removes an element and its digest index entry.
// Callers must hold s.mu.
func (s *memoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	entry := elem.Value.(*Entry)
	delete(s.items, entry.Key)
	s.unindexDigest(entry)
}

// indexDigest adds an entry to the digest index. Callers must hold s.mu.
func (s *memoryStore) indexDigest(entry *Entry) {
	if entry.ContextDigest == "" {
		return
	}
	keys := s.byDigest[entry.ContextDigest]
	if keys == nil {
		keys = make(map[string]struct{})
		s.byDigest[entry.ContextDigest] = keys
	}
	keys[entry.Key] = struct{}{}
}

// unindexDigest removes an entry from the digest index. Callers must
// hold s.mu.
func (s *memoryStore) unindexDigest(entry *Entry) {
	if entry.ContextDigest == "" {
		return
	}
	keys := s.byDigest[entry.ContextDigest]
	delete(keys, entry.Key)
	if len(keys) == 0 {
		delete(s.byDigest, entry.ContextDigest)
	}
}

// cleanupLoop periodically removes expired entries.
func (s *memoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single write lock.
func (s *memoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*Entry)
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		s.removeElement(elem)
	}

	if len(toRemove) > 0 {
		s.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(toRemove)))
	}
}
