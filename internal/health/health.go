// Package health provides liveness and readiness probes for the AI
// gateway's admin server.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/verityhq/aigateway/internal/observability"
)

// DefaultProbeTimeout bounds each readiness check run.
const DefaultProbeTimeout = 5 * time.Second

// Check is a named readiness check.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a named check from a function.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name returns the check's name.
func (c *CheckFunc) Name() string { return c.name }

// Check runs the check.
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// Status is the aggregate probe response.
type Status struct {
	Status    string                  `json:"status"`
	Uptime    string                  `json:"uptime,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Handler serves liveness and readiness probes.
type Handler struct {
	logger       observability.Logger
	startTime    time.Time
	probeTimeout time.Duration

	mu     sync.RWMutex
	checks []Check
}

// NewHandler creates a probe handler.
func NewHandler(logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		logger:       logger,
		startTime:    time.Now(),
		probeTimeout: DefaultProbeTimeout,
	}
}

// AddCheck registers a readiness check.
func (h *Handler) AddCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Liveness reports that the process is running.
func (h *Handler) Liveness() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(h.startTime).Round(time.Second).String(),
			"timestamp": time.Now().UTC(),
		})
	}
}

// Readiness runs all registered checks and reports 503 when any fails.
func (h *Handler) Readiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.probeTimeout)
		defer cancel()

		status := h.runChecks(ctx)

		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func (h *Handler) runChecks(ctx context.Context) *Status {
	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &Status{
		Status:    "ok",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)

		result := &CheckResult{
			Status:   "ok",
			Duration: time.Since(start).String(),
		}
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			status.Status = "error"
			h.logger.Warn("readiness check failed",
				observability.String("check", check.Name()),
				observability.Error(err))
		}
		status.Checks[check.Name()] = result
	}

	return status
}
