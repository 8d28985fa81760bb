package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"timeout", ErrTimeout, OutcomeTimeout},
		{"wrapped timeout", fmt.Errorf("%w: status 504", ErrTimeout), OutcomeTimeout},
		{"deadline exceeded", context.DeadlineExceeded, OutcomeTimeout},
		{"rate limited", ErrRateLimited, OutcomeRateLimited},
		{"invalid", ErrInvalidRequest, OutcomeInvalid},
		{"canceled", context.Canceled, OutcomeCanceled},
		{"unavailable", ErrUnavailable, OutcomeProviderError},
		{"unknown", errors.New("boom"), OutcomeProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestOutcome_Transient(t *testing.T) {
	assert.True(t, OutcomeTimeout.Transient())
	assert.True(t, OutcomeProviderError.Transient())
	assert.False(t, OutcomeRateLimited.Transient())
	assert.False(t, OutcomeInvalid.Transient())
	assert.False(t, OutcomeCanceled.Transient())
	assert.False(t, OutcomeSuccess.Transient())
}

func TestOutcome_Failure(t *testing.T) {
	assert.True(t, OutcomeTimeout.Failure())
	assert.True(t, OutcomeRateLimited.Failure())
	assert.True(t, OutcomeProviderError.Failure())
	assert.False(t, OutcomeInvalid.Failure())
	assert.False(t, OutcomeCanceled.Failure())
	assert.False(t, OutcomeSuccess.Failure())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "timeout", OutcomeTimeout.String())
	assert.Equal(t, "rate_limited", OutcomeRateLimited.String())
	assert.Equal(t, "invalid", OutcomeInvalid.String())
	assert.Equal(t, "provider_error", OutcomeProviderError.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(context.Context, Request) (*Response, error) {
	return &Response{Value: []byte("ok")}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&fakeProvider{name: "gemini"}, &fakeProvider{name: "openai"})

	p, err := r.Get("gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())

	_, err = r.Get("anthropic")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.ElementsMatch(t, []string{"gemini", "openai"}, r.Names())
}
