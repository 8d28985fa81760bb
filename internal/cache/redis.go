package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
)

// staleRetentionFactor controls how long an entry physically outlives its
// logical expiry in Redis. The envelope carries the logical ExpiresAt, so
// expired entries stay readable for stale fallback for one extra TTL.
const staleRetentionFactor = 2

// redisStore implements the Store interface on Redis.
type redisStore struct {
	logger    observability.Logger
	client    *redis.Client
	keyPrefix string

	hits   int64
	misses int64
}

// newRedisStore creates a Redis-backed store and verifies connectivity.
func newRedisStore(cfg *config.CacheLifecycleConfig, logger observability.Logger) (*redisStore, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return nil, errors.New("redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, errors.New("invalid redis URL: " + err.Error())
	}

	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.Redis.ConnectTimeout.Duration()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	keyPrefix := cfg.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "aigateway:"
	}

	s := &redisStore{
		logger:    logger,
		client:    client,
		keyPrefix: keyPrefix,
	}

	logger.Info("redis cache initialized",
		observability.String("keyPrefix", keyPrefix))

	return s, nil
}

func (s *redisStore) entryKey(key string) string {
	return s.keyPrefix + "entry:" + key
}

func (s *redisStore) digestKey(digest string) string {
	return s.keyPrefix + "digest:" + digest
}

// Get retrieves a fresh entry, enforcing the logical expiry carried in
// the stored envelope.
func (s *redisStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	entry, err := s.fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			s.recordMiss(span)
			return nil, ErrMiss
		}
		s.recordError(span, "get", key, err)
		return nil, err
	}

	if entry.IsExpired() {
		s.recordMiss(span)
		return nil, ErrMiss
	}

	entry.LastAccessedAt = time.Now()
	entry.HitCount++
	// Hit bookkeeping is written back best-effort without extending the
	// physical expiry.
	if payload, merr := json.Marshal(entry); merr == nil {
		s.client.Set(ctx, s.entryKey(key), payload, redis.KeepTTL)
	}

	atomic.AddInt64(&s.hits, 1)
	GetCacheMetrics().hitsTotal.WithLabelValues("redis").Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(entry.Value)),
	)

	return entry, nil
}

// GetStale retrieves an entry regardless of logical expiry.
func (s *redisStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.GetStale",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	entry, err := s.fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, ErrMiss
		}
		s.recordError(span, "getstale", key, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Bool("cache.stale", entry.IsExpired()),
	)
	return entry, nil
}

// Put stores an entry as a JSON envelope with a physical expiry long
// enough to serve stale fallback reads.
func (s *redisStore) Put(ctx context.Context, entry *Entry) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Put",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", entry.Key),
			attribute.Int("cache.value_size", len(entry.Value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetCacheMetrics().operationDuration.WithLabelValues(
			"redis", "put",
		).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	retention := time.Until(entry.ExpiresAt) * staleRetentionFactor
	if retention <= 0 {
		retention = time.Minute
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(entry.Key), payload, retention)
	if entry.ContextDigest != "" {
		pipe.SAdd(ctx, s.digestKey(entry.ContextDigest), entry.Key)
		pipe.Expire(ctx, s.digestKey(entry.ContextDigest), retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordError(span, "put", entry.Key, err)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	s.logger.Debug("cache put",
		observability.String("key", entry.Key),
		observability.Time("expiresAt", entry.ExpiresAt))

	return nil
}

// Invalidate removes the entry for a fingerprint.
func (s *redisStore) Invalidate(ctx context.Context, key string) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		s.recordError(span, "invalidate", key, err)
		return err
	}
	return nil
}

// InvalidateContext removes every entry indexed under the digest.
func (s *redisStore) InvalidateContext(ctx context.Context, digest string) (int, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.InvalidateContext",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.context_digest", digest),
		),
	)
	defer span.End()

	if digest == "" {
		return 0, nil
	}

	keys, err := s.client.SMembers(ctx, s.digestKey(digest)).Result()
	if err != nil {
		s.recordError(span, "invalidate_context", digest, err)
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		n, derr := s.client.Del(ctx, s.entryKey(key)).Result()
		if derr != nil {
			s.recordError(span, "invalidate_context", key, derr)
			return removed, derr
		}
		removed += int(n)
	}

	if err := s.client.Del(ctx, s.digestKey(digest)).Err(); err != nil {
		s.recordError(span, "invalidate_context", digest, err)
		return removed, err
	}

	span.SetAttributes(attribute.Int("cache.invalidated", removed))
	if removed > 0 {
		s.logger.Info("cache context invalidated",
			observability.String("digest", digest),
			observability.Int("removed", removed))
	}

	return removed, nil
}

// Ping verifies the Redis connection is alive.
func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stats returns cache statistics. Size is not tracked for Redis.
func (s *redisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
	}
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	s.logger.Info("redis cache closing")
	return s.client.Close()
}

// fetch reads and decodes an envelope, mapping absence to ErrMiss.
func (s *redisStore) fetch(ctx context.Context, key string) (*Entry, error) {
	payload, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *redisStore) recordMiss(span trace.Span) {
	atomic.AddInt64(&s.misses, 1)
	GetCacheMetrics().missesTotal.WithLabelValues("redis").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", false))
}

func (s *redisStore) recordError(span trace.Span, op, key string, err error) {
	GetCacheMetrics().errorsTotal.WithLabelValues("redis", op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis "+op+" failed",
		observability.String("key", key),
		observability.Error(err))
}
