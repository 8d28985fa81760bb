package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/verityhq/aigateway/internal/config"
	"github.com/verityhq/aigateway/internal/observability"
)

// providerTracerName is the OpenTelemetry tracer name for provider calls.
const providerTracerName = "aigateway/provider"

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 10 << 20

// httpProvider calls a generation backend over HTTP JSON.
type httpProvider struct {
	name         string
	defaultModel string
	url          string
	apiKey       string
	client       *http.Client
	logger       observability.Logger
}

// generateRequest is the wire form of a generation call.
type generateRequest struct {
	Model           string            `json:"model"`
	TemplateID      string            `json:"templateId"`
	TemplateVersion string            `json:"templateVersion,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

// generateResponse is the wire form of a generation result.
type generateResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// NewHTTP creates an HTTP provider from configuration. The API key is
// read from the environment variable named in the config so secrets stay
// out of config files.
func NewHTTP(cfg config.ProviderConfig, logger observability.Logger) Provider {
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			logger.Warn("provider API key environment variable is empty",
				observability.String("provider", cfg.Name),
				observability.String("env", cfg.APIKeyEnv))
		}
	}

	return &httpProvider{
		name:         cfg.Name,
		defaultModel: cfg.Model,
		url:          cfg.URL,
		apiKey:       apiKey,
		client:       &http.Client{},
		logger:       logger,
	}
}

// Name returns the provider's configured name.
func (p *httpProvider) Name() string {
	return p.name
}

// Call performs one generation request. The context deadline is the only
// timeout; the dispatcher owns per-call deadlines.
func (p *httpProvider) Call(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	ctx, span := otel.Tracer(providerTracerName).Start(ctx, "provider.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.name", p.name),
			attribute.String("provider.model", model),
			attribute.String("provider.template_id", req.TemplateID),
		),
	)
	defer span.End()

	payload, err := json.Marshal(generateRequest{
		Model:           model,
		TemplateID:      req.TemplateID,
		TemplateVersion: req.TemplateVersion,
		Params:          req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		classified := p.classifyTransportError(ctx, err)
		span.SetStatus(codes.Error, classified.Error())
		span.RecordError(classified)
		p.logger.Warn("provider call failed",
			observability.String("provider", p.name),
			observability.Duration("latency", latency),
			observability.Error(classified))
		return nil, classified
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		wrapped := fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		p.logger.Warn("provider returned error status",
			observability.String("provider", p.name),
			observability.Int("status", resp.StatusCode),
			observability.Duration("latency", latency))
		return nil, err
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		wrapped := fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	span.SetAttributes(attribute.Int("provider.response_size", len(out.Content)))
	p.logger.Debug("provider call completed",
		observability.String("provider", p.name),
		observability.String("model", model),
		observability.Duration("latency", latency))

	respModel := out.Model
	if respModel == "" {
		respModel = model
	}

	return &Response{
		Value:   []byte(out.Content),
		Model:   respModel,
		Latency: latency,
	}, nil
}

// classifyTransportError maps transport-level failures to sentinel errors.
func (p *httpProvider) classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidRequest, status)
	}
}
