package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
)

func newTestMemoryStore(t *testing.T, mutate func(*config.CacheLifecycleConfig)) *memoryStore {
	t.Helper()

	cfg := config.DefaultCacheLifecycleConfig()
	cfg.MinTTL = 0
	if mutate != nil {
		mutate(&cfg)
	}

	s := newMemoryStore(&cfg, observability.NopLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(key string, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Key:       key,
		Value:     []byte("response for " + key),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", time.Minute)))

	got, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("response for fp1"), got.Value)
	assert.Equal(t, int64(1), got.HitCount)
	assert.False(t, got.LastAccessedAt.IsZero())
}

func TestMemoryStore_Miss(t *testing.T) {
	s := newTestMemoryStore(t, nil)

	_, err := s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore_LazyExpiry(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", 10*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "fp1")
	assert.ErrorIs(t, err, ErrMiss)

	// The expired entry stays resident for stale fallback until the
	// periodic sweep collects it.
	s.mu.Lock()
	_, exists := s.items["fp1"]
	s.mu.Unlock()
	assert.True(t, exists)
}

func TestMemoryStore_GetStaleServesExpired(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", 10*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)

	got, err := s.GetStale(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, got.IsExpired())
	assert.Equal(t, []byte("response for fp1"), got.Value)

	_, err = s.GetStale(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", time.Minute)))

	first, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	first.Key = "mutated"

	second, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", second.Key)
	assert.Equal(t, int64(2), second.HitCount)
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	s := newTestMemoryStore(t, func(c *config.CacheLifecycleConfig) {
		c.MaxEntries = 3
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Put(ctx, testEntry(fmt.Sprintf("fp%d", i), time.Minute)))
	}

	// Touch fp1 so fp2 becomes the least recently used.
	_, err := s.Get(ctx, "fp1")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, testEntry("fp4", time.Minute)))

	_, err = s.Get(ctx, "fp2")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.Get(ctx, "fp1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), s.Stats().Evictions)
}

func TestMemoryStore_EvictionProtectsYoungEntries(t *testing.T) {
	s := newTestMemoryStore(t, func(c *config.CacheLifecycleConfig) {
		c.MaxEntries = 2
		c.MinTTL = config.Duration(time.Hour)
	})
	ctx := context.Background()

	// Every entry is younger than minTTL, so capacity eviction has no
	// candidates and the store temporarily exceeds its bound.
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Put(ctx, testEntry(fmt.Sprintf("fp%d", i), time.Minute)))
	}

	for i := 1; i <= 3; i++ {
		_, err := s.Get(ctx, fmt.Sprintf("fp%d", i))
		assert.NoError(t, err)
	}
	assert.Zero(t, s.Stats().Evictions)
}

func TestMemoryStore_EvictionSkipsYoungPicksOld(t *testing.T) {
	s := newTestMemoryStore(t, func(c *config.CacheLifecycleConfig) {
		c.MaxEntries = 2
		c.MinTTL = config.Duration(time.Minute)
	})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("young1", time.Hour)))
	require.NoError(t, s.Put(ctx, testEntry("young2", time.Hour)))

	old := testEntry("old", time.Hour)
	old.CreatedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, s.Put(ctx, old))

	// "old" is the only entry outside its protection window, so it is
	// evicted even though the young entries are colder in LRU terms.
	_, err := s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.Get(ctx, "young1")
	assert.NoError(t, err)
}

func TestMemoryStore_Invalidate(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", time.Minute)))
	require.NoError(t, s.Invalidate(ctx, "fp1"))
	require.NoError(t, s.Invalidate(ctx, "absent"))

	_, err := s.Get(ctx, "fp1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore_InvalidateContext(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	a := testEntry("fp-a", time.Minute)
	a.ContextDigest = "digest-1"
	b := testEntry("fp-b", time.Minute)
	b.ContextDigest = "digest-1"
	c := testEntry("fp-c", time.Minute)
	c.ContextDigest = "digest-2"

	for _, e := range []*Entry{a, b, c} {
		require.NoError(t, s.Put(ctx, e))
	}

	removed, err := s.InvalidateContext(ctx, "digest-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Get(ctx, "fp-a")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.Get(ctx, "fp-c")
	assert.NoError(t, err)

	removed, err = s.InvalidateContext(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemoryStore_DigestIndexFollowsUpdates(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	e := testEntry("fp1", time.Minute)
	e.ContextDigest = "digest-1"
	require.NoError(t, s.Put(ctx, e))

	// Re-putting under a new digest must detach the old index entry.
	e2 := testEntry("fp1", time.Minute)
	e2.ContextDigest = "digest-2"
	require.NoError(t, s.Put(ctx, e2))

	removed, err := s.InvalidateContext(ctx, "digest-1")
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.InvalidateContext(ctx, "digest-2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("expired", 5*time.Millisecond)))
	require.NoError(t, s.Put(ctx, testEntry("fresh", time.Hour)))
	time.Sleep(10 * time.Millisecond)

	s.cleanup()

	s.mu.Lock()
	size := s.eviction.Len()
	s.mu.Unlock()
	assert.Equal(t, 1, size)
}

func TestMemoryStore_Stats(t *testing.T) {
	s := newTestMemoryStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testEntry("fp1", time.Minute)))
	_, _ = s.Get(ctx, "fp1")
	_, _ = s.Get(ctx, "absent")

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Size)
	assert.Equal(t, 0.5, st.HitRate())
}

func TestStats_HitRateEmpty(t *testing.T) {
	assert.Zero(t, Stats{}.HitRate())
}
