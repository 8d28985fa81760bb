// Package admin provides the gateway's administrative HTTP server:
// health probes, Prometheus metrics, observability snapshots, and cache
// invalidation endpoints.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verityhq/aigateway/internal/cache"
	"github.com/verityhq/aigateway/internal/circuitbreaker"
	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/fingerprint"
	"github.com/verityhq/aigateway/internal/gateway"
	"github.com/verityhq/aigateway/internal/health"
	"github.com/verityhq/aigateway/internal/observability"
	"github.com/verityhq/aigateway/internal/stats"
)

// Default timeouts for the admin HTTP server.
const (
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Server is the administrative HTTP server.
type Server struct {
	cfg      config.AdminConfig
	gw       *gateway.Gateway
	engine   *gin.Engine
	server   *http.Server
	health   *health.Handler
	registry *prometheus.Registry
	logger   observability.Logger
}

// NewServer creates the admin server and registers its routes.
func NewServer(cfg config.AdminConfig, gw *gateway.Gateway, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		gw:       gw,
		engine:   engine,
		health:   health.NewHandler(logger),
		registry: newRegistry(),
		logger:   logger,
	}
	s.registerRoutes()

	return s
}

// newRegistry builds the Prometheus registry serving /metrics, with the
// gateway's metric families and standard runtime collectors attached.
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache.GetCacheMetrics().MustRegister(registry)
	circuitbreaker.MustRegister(registry)
	stats.GetMetrics().MustRegister(registry)

	return registry
}

// Health exposes the probe handler so callers can attach readiness
// checks before Start.
func (s *Server) Health() *health.Handler {
	return s.health
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health.Liveness())
	s.engine.GET("/readyz", s.health.Readiness())

	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})))

	v1 := s.engine.Group("/v1")
	v1.GET("/stats", s.handleStats)
	v1.GET("/breakers", s.handleBreakers)
	v1.POST("/breakers/reset", s.handleBreakersReset)
	v1.GET("/cache/stats", s.handleCacheStats)
	v1.POST("/cache/invalidate", s.handleInvalidate)
	v1.POST("/cache/invalidate/context", s.handleInvalidateContext)
}

// handleStats returns the full gateway observability snapshot.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Snapshot())
}

// handleBreakers returns per-endpoint circuit breaker state.
func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Snapshot().Breakers)
}

// handleBreakersReset force-closes every circuit breaker.
func (s *Server) handleBreakersReset(c *gin.Context) {
	s.gw.Breakers().ResetAll()
	s.logger.Info("circuit breakers reset via admin api")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCacheStats returns cache hit statistics.
func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Snapshot().Cache)
}

// invalidateRequest is the body of POST /v1/cache/invalidate.
type invalidateRequest struct {
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	TemplateID      string            `json:"templateId" binding:"required"`
	TemplateVersion string            `json:"templateVersion"`
	Params          map[string]string `json:"params"`
	ContextDigest   string            `json:"contextDigest"`
}

// handleInvalidate removes the cached response for one request
// descriptor.
func (s *Server) handleInvalidate(c *gin.Context) {
	var body invalidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.gw.Invalidate(c.Request.Context(), fingerprint.Request{
		Provider:        body.Provider,
		Model:           body.Model,
		TemplateID:      body.TemplateID,
		TemplateVersion: body.TemplateVersion,
		Params:          body.Params,
		ContextDigest:   body.ContextDigest,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fingerprint.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// invalidateContextRequest is the body of POST /v1/cache/invalidate/context.
type invalidateContextRequest struct {
	Digest string `json:"digest" binding:"required"`
}

// handleInvalidateContext removes every cached response generated under
// a business-context digest.
func (s *Server) handleInvalidateContext(c *gin.Context) {
	var body invalidateContextRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := s.gw.InvalidateForContext(c.Request.Context(), body.Digest)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "removed": removed})
}

// Start runs the admin server until the context is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = config.DefaultAdminAddr
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	s.logger.Info("admin server starting",
		observability.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the admin server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()

	s.logger.Info("admin server stopping")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// promLogger adapts the gateway logger to promhttp's error logger.
type promLogger struct {
	logger observability.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Error("metrics handler error", observability.Any("detail", v))
}
