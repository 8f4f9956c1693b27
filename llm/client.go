// Package llm provides a provider-agnostic LLM client: chat completions
// with retry, a per-provider circuit breaker, streaming delivery, and
// JSON extraction helpers for model output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pullsmith/pullsmith/metrics"
)

// maxResponseSize caps the response body read to guard against a
// misbehaving endpoint.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Request is an LLM completion request.
type Request struct {
	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the provider default,
	// 0 is deterministic.
	Temperature *float64

	// MaxTokens bounds the completion length. 0 uses the provider default.
	MaxTokens int

	// Tools the model may call; empty disables tool use.
	Tools []ToolDefinition
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	// RequestID correlates this call across logs and the analytics trail.
	RequestID string

	// Content is the generated text.
	Content string

	// ToolCalls are any tool invocations the model requested.
	ToolCalls []ToolCall

	// Model is the model that produced the response.
	Model string

	// Usage is the token consumption, when the provider reports it.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Config selects and parameterizes the provider endpoint.
type Config struct {
	// Provider names a registered provider: anthropic, openai, or mock.
	Provider string
	// Model is the model identifier sent to the provider.
	Model string
	// BaseURL overrides the provider's default endpoint.
	BaseURL string
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration
	// MaxTokens is applied to requests that leave MaxTokens unset.
	// 0 keeps the provider default.
	MaxTokens int
	// Temperature is applied to requests that leave Temperature unset.
	Temperature *float64
}

// Client sends completion requests through a registered provider with
// retry on transient failures and a circuit breaker that stops hammering
// a failing endpoint.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	retryConfig RetryConfig
	breaker     *Breaker
	recorder    Recorder
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger.With(slog.String("component", "llm"))
	}
}

// WithRecorder records every call for the analytics trail.
func WithRecorder(r Recorder) Option {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates an LLM client for the configured provider.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if GetProvider(cfg.Provider) == nil {
		return nil, fmt.Errorf("unknown LLM provider %q (registered: %v)", cfg.Provider, ListProviders())
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 180 * time.Second // LLM responses are slow
	}

	c := &Client{
		cfg:         cfg,
		retryConfig: DefaultRetryConfig(),
		breaker:     NewBreaker(DefaultBreakerConfig()),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      slog.Default().With(slog.String("component", "llm")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the configured provider name.
func (c *Client) Provider() string {
	return c.cfg.Provider
}

// withDefaults fills request parameters left unset from the client config.
func (c *Client) withDefaults(req Request) Request {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = c.cfg.Temperature
	}
	return req
}

// Complete sends a completion request with retry on transient errors.
// All failures come back wrapped as *Error carrying the provider and
// model for classification upstream.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}
	req = c.withDefaults(req)

	requestID := uuid.New().String()
	startedAt := time.Now()

	if !c.breaker.Allow(c.cfg.Provider) {
		err := c.wrap(fmt.Errorf("circuit open for provider %s", c.cfg.Provider))
		metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "circuit_open").Inc()
		return nil, NewTransientError(err)
	}

	resp, attempts, err := c.completeWithRetry(ctx, req)
	if err != nil {
		c.breaker.MarkFailure(c.cfg.Provider)
		metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "error").Inc()
		c.record(ctx, &CallRecord{
			RequestID:   requestID,
			Provider:    c.cfg.Provider,
			Model:       c.cfg.Model,
			Messages:    len(req.Messages),
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
			DurationMs:  time.Since(startedAt).Milliseconds(),
			Retries:     attempts - 1,
			Error:       err.Error(),
		})
		return nil, err
	}

	c.breaker.MarkSuccess(c.cfg.Provider)
	resp.RequestID = requestID
	metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "ok").Inc()
	metrics.LLMTokensTotal.WithLabelValues(c.cfg.Provider).Add(float64(resp.Usage.TotalTokens))

	c.record(ctx, &CallRecord{
		RequestID:        requestID,
		Provider:         c.cfg.Provider,
		Model:            resp.Model,
		Messages:         len(req.Messages),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FinishReason:     resp.FinishReason,
		StartedAt:        startedAt,
		CompletedAt:      time.Now(),
		DurationMs:       time.Since(startedAt).Milliseconds(),
		Retries:          attempts - 1,
	})

	return resp, nil
}

func (c *Client) completeWithRetry(ctx context.Context, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, attempt, err
		}
		if attempt >= c.retryConfig.MaxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Debug("LLM request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.retryConfig.MaxAttempts),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff grows exponentially with ±25% jitter so synchronized
// retries spread out.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single request against the provider.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	provider := GetProvider(c.cfg.Provider)
	if provider == nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("unknown provider")))
	}

	// In-process providers (the deterministic mock) skip HTTP entirely.
	if local, ok := provider.(Invoker); ok {
		resp, err := local.Invoke(ctx, c.cfg.Model, req)
		if err != nil {
			return nil, c.wrap(err)
		}
		return resp, nil
	}

	body, err := provider.BuildRequestBody(c.cfg.Model, req, false)
	if err != nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("build request body: %w", err)))
	}

	url := provider.BuildURL(c.cfg.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("create HTTP request: %w", err)))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	c.logger.Debug("Sending LLM request",
		slog.String("provider", c.cfg.Provider),
		slog.String("model", c.cfg.Model),
		slog.Int("messages", len(req.Messages)))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return nil, NewTransientError(c.wrap(fmt.Errorf("HTTP request: %w", err)))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(c.wrap(fmt.Errorf("read response body: %w", err)))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, c.cfg.Model)
	if err != nil {
		return nil, NewFatalError(c.wrap(err))
	}
	return resp, nil
}

// classifyHTTPError splits provider HTTP failures into transient
// (retryable) and fatal classes.
func (c *Client) classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := c.wrap(fmt.Errorf("API error (status %d): %s", statusCode, bodyStr))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

// wrap tags an error with the provider and model it came from.
func (c *Client) wrap(err error) *Error {
	return &Error{Provider: c.cfg.Provider, Model: c.cfg.Model, Err: err}
}

func (c *Client) record(ctx context.Context, rec *CallRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordLLMCall(ctx, rec); err != nil {
		c.logger.Warn("Failed to record LLM call",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()))
	}
}
