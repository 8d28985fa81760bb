// Package provider abstracts external generative-AI backends behind a
// uniform call interface and a shared error taxonomy. The dispatcher and
// circuit breaker only ever see classified errors, never raw transport
// failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for provider call failures.
var (
	// ErrTimeout indicates the provider did not answer within the call
	// deadline.
	ErrTimeout = errors.New("provider timeout")

	// ErrRateLimited indicates the provider refused the call due to rate
	// limiting. Rate-limit rejections are not retried.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidRequest indicates the provider rejected the request as
	// malformed. Invalid requests are never retried or cached.
	ErrInvalidRequest = errors.New("provider rejected invalid request")

	// ErrUnavailable indicates a server-side provider failure.
	ErrUnavailable = errors.New("provider unavailable")
)

// Request describes one generation call to a provider.
type Request struct {
	// Model is the model to generate with.
	Model string

	// TemplateID identifies the prompt template.
	TemplateID string

	// TemplateVersion is the prompt template version.
	TemplateVersion string

	// Params are the template parameters.
	Params map[string]string
}

// Response is a successful provider result.
type Response struct {
	// Value is the generated payload.
	Value []byte

	// Model is the model that actually served the call, as reported by
	// the provider.
	Model string

	// Latency is how long the provider took, measured around the call.
	Latency time.Duration
}

// Provider is a generative-AI backend.
type Provider interface {
	// Name returns the provider's configured name.
	Name() string

	// Call performs one generation request. Errors wrap one of the
	// package sentinel errors so callers can classify them.
	Call(ctx context.Context, req Request) (*Response, error)
}

// Outcome classifies a completed provider call.
type Outcome int

const (
	// OutcomeSuccess indicates a successful call.
	OutcomeSuccess Outcome = iota

	// OutcomeTimeout indicates the call exceeded its deadline.
	OutcomeTimeout

	// OutcomeRateLimited indicates the provider shed the call.
	OutcomeRateLimited

	// OutcomeInvalid indicates the provider rejected the request.
	OutcomeInvalid

	// OutcomeProviderError indicates a server-side provider failure.
	OutcomeProviderError

	// OutcomeCanceled indicates the caller abandoned the call. It says
	// nothing about endpoint health.
	OutcomeCanceled
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeProviderError:
		return "provider_error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Transient reports whether the outcome may succeed on an immediate
// retry. Rate-limit rejections are deliberately excluded: retrying into
// an already shedding provider makes the overload worse.
func (o Outcome) Transient() bool {
	return o == OutcomeTimeout || o == OutcomeProviderError
}

// Failure reports whether the outcome counts against the endpoint's
// circuit breaker. Invalid requests are the caller's fault and say
// nothing about endpoint health.
func (o Outcome) Failure() bool {
	return o == OutcomeTimeout || o == OutcomeRateLimited || o == OutcomeProviderError
}

// Classify maps a provider call error to an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrInvalidRequest):
		return OutcomeInvalid
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeProviderError
	}
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
