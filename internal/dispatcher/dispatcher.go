// Package dispatcher executes provider calls under circuit breaker
// protection, per-call timeouts, and a bounded transient retry. Every
// attempt's outcome is reported to the breaker and the statistics feed,
// including attempts that later get retried.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityhq/aigateway/internal/circuitbreaker"
	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
	"github.com/verityhq/aigateway/internal/provider"
	"github.com/verityhq/aigateway/internal/retry"
	"github.com/verityhq/aigateway/internal/stats"
)

// dispatcherTracerName is the OpenTelemetry tracer name for dispatches.
const dispatcherTracerName = "aigateway/dispatcher"

// ErrCircuitOpen is returned when the endpoint's circuit breaker rejects
// the call before the provider is contacted.
var ErrCircuitOpen = circuitbreaker.ErrCircuitOpen

// Dispatcher coordinates provider calls for the gateway.
type Dispatcher struct {
	breakers    *circuitbreaker.Registry
	feed        *stats.Feed
	callTimeout time.Duration
	retryCfg    *retry.Config
	logger      observability.Logger
}

// New creates a dispatcher.
func New(breakers *circuitbreaker.Registry, feed *stats.Feed, callTimeout time.Duration, logger observability.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = config.DefaultCallTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Dispatcher{
		breakers:    breakers,
		feed:        feed,
		callTimeout: callTimeout,
		retryCfg: &retry.Config{
			MaxRetries:     1,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		logger: logger,
	}
}

// Dispatch performs one provider call for the endpoint. Transient
// failures (timeouts and server-side errors) are retried once; rate
// limiting, invalid requests, and breaker rejections are not. The
// returned error wraps a provider sentinel or ErrCircuitOpen.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, prov provider.Provider, req provider.Request) (*provider.Response, error) {
	ctx, span := otel.Tracer(dispatcherTracerName).Start(ctx, "dispatcher.Dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dispatch.endpoint", endpoint),
			attribute.String("dispatch.template_id", req.TemplateID),
		),
	)
	defer span.End()

	breaker := d.breakers.GetOrCreate(endpoint)

	var resp *provider.Response
	attempts := 0

	err := retry.Do(ctx, d.retryCfg, func() error {
		attempts++
		var attemptErr error
		resp, attemptErr = d.attempt(ctx, breaker, endpoint, prov, req)
		return attemptErr
	}, &retry.Options{
		ShouldRetry: shouldRetry,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			d.logger.Debug("retrying provider call",
				observability.String("endpoint", endpoint),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err))
		},
	})

	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	return resp, nil
}

// attempt performs a single breaker-gated provider call and reports the
// outcome.
func (d *Dispatcher) attempt(ctx context.Context, breaker *circuitbreaker.Breaker, endpoint string, prov provider.Provider, req provider.Request) (*provider.Response, error) {
	if err := breaker.Allow(); err != nil {
		d.logger.Warn("circuit breaker rejected call",
			observability.String("endpoint", endpoint))
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := prov.Call(callCtx, req)
	latency := time.Since(start)

	outcome := provider.Classify(err)
	d.report(breaker, endpoint, latency, outcome)

	if err != nil {
		return nil, err
	}
	resp.Latency = latency
	return resp, nil
}

// report feeds one attempt outcome into the breaker and the stats feed.
// Invalid requests say nothing about endpoint health and are kept out of
// the breaker's failure count.
func (d *Dispatcher) report(breaker *circuitbreaker.Breaker, endpoint string, latency time.Duration, outcome provider.Outcome) {
	switch {
	case outcome == provider.OutcomeSuccess:
		breaker.RecordSuccess()
	case outcome.Failure():
		breaker.RecordFailure()
	default:
		breaker.RecordNeutral()
	}

	// Canceled attempts carry no meaningful latency signal.
	if d.feed != nil && outcome != provider.OutcomeCanceled {
		statsOutcome := stats.OutcomeSuccess
		if outcome != provider.OutcomeSuccess {
			statsOutcome = stats.OutcomeFailure
		}
		d.feed.Record(endpoint, latency, statsOutcome)
	}
}

// shouldRetry permits exactly the transient outcomes. Breaker rejections
// happen before the provider is contacted and are never retried.
func shouldRetry(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return false
	}
	return provider.Classify(err).Transient()
}
