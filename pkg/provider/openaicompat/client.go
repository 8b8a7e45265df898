package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

// ProviderName labels this provider in logs and metrics.
const ProviderName = "openai-compatible"

// Client performs requests against an OpenAI-compatible Chat Completions
// backend.
//
// Failed calls (timeouts, connection errors, 429, 5xx, malformed payloads)
// are retried with exponential backoff up to the configured budget. Other
// 4xx responses are returned immediately.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string

	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration

	caps provider.ProviderCapabilities
}

// Ensure Client implements provider.Provider at compile time.
var _ provider.Provider = (*Client)(nil)

// New creates a Client from the upstream configuration.
func New(cfg config.UpstreamConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}

	return &Client{
		// Per-call deadlines come from contexts so that streams are not cut
		// off by a client-wide timeout.
		httpClient:    &http.Client{},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		defaultModel:  cfg.DefaultModel,
		timeout:       cfg.Timeout,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInitialInterval,
		caps: provider.ProviderCapabilities{
			Streaming:   true,
			ToolCalling: true,
			Vision:      true,
			Audio:       true,
		},
	}, nil
}

// WithCapabilities overrides the capabilities the client reports.
func (c *Client) WithCapabilities(caps provider.ProviderCapabilities) *Client {
	c.caps = caps
	return c
}

// Name returns the provider identifier.
func (c *Client) Name() string { return ProviderName }

// Capabilities returns what this provider supports.
func (c *Client) Capabilities() provider.ProviderCapabilities { return c.caps }

// Complete performs one non-streaming model call.
func (c *Client) Complete(ctx context.Context, req *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	chatReq := c.translate(req, false)
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.E(api.KindUpstream, api.OpModelCall, fmt.Errorf("marshal request: %w", err))
	}

	start := time.Now()
	var resp *provider.ProviderResponse
	err = c.retry(ctx, func() error {
		r, err := c.completeOnce(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		c.observe(chatReq.Model, start, err, nil)
		return nil, err
	}
	c.observe(chatReq.Model, start, nil, &resp.Usage)
	return resp, nil
}

func (c *Client) completeOnce(ctx context.Context, body []byte) (*provider.ProviderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpResp, err := c.post(callCtx, body, false)
	if err != nil {
		return nil, c.callError(ctx, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, statusError(httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		if callCtx.Err() != nil {
			return nil, c.callError(ctx, callCtx.Err())
		}
		return nil, malformed(err)
	}

	resp, err := TranslateResponse(&chatResp)
	if err != nil {
		return nil, malformed(err)
	}
	return resp, nil
}

// Stream performs one streaming model call.
//
// The model call timeout bounds the time until response headers arrive; the
// stream itself is bounded by ctx only, since a stream can legitimately last
// longer than any fixed timeout. A stream that fails before its first event
// is reopened within the retry budget. Once an event was delivered, a
// failure ends the stream with a ProviderEventError.
func (c *Client) Stream(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	chatReq := c.translate(req, true)
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.E(api.KindUpstream, api.OpModelCall, fmt.Errorf("marshal request: %w", err))
	}

	start := time.Now()
	httpResp, err := c.openStreamWithRetry(ctx, body)
	if err != nil {
		c.observe(chatReq.Model, start, err, nil)
		return nil, err
	}

	ch := make(chan provider.ProviderEvent, 16)
	go c.pump(ctx, chatReq.Model, start, body, httpResp, ch)
	return ch, nil
}

// pump forwards the events of an open stream and reopens it when it fails
// before anything was forwarded.
func (c *Client) pump(ctx context.Context, model string, start time.Time, body []byte, httpResp *http.Response, ch chan<- provider.ProviderEvent) {
	defer close(ch)

	for attempt := 0; ; attempt++ {
		summary, err := ParseSSEStream(ctx, httpResp.Body, ch)
		httpResp.Body.Close()

		if err == nil {
			c.observe(model, start, nil, summary.Usage)
			return
		}
		if ctx.Err() != nil {
			// The consumer is gone; nobody reads a terminal event.
			return
		}

		err = api.E(api.KindUpstream, api.OpModelCall, err)
		if summary.Events > 0 || attempt >= c.maxRetries {
			c.fail(ctx, model, start, err, ch)
			return
		}

		observability.ProviderRetriesTotal.WithLabelValues(ProviderName).Inc()
		slog.Warn("reopening upstream stream", "error", err, "attempt", attempt+1)

		httpResp, err = c.openStreamWithRetry(ctx, body)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(ctx, model, start, err, ch)
			}
			return
		}
	}
}

func (c *Client) fail(ctx context.Context, model string, start time.Time, err error, ch chan<- provider.ProviderEvent) {
	c.observe(model, start, err, nil)
	select {
	case ch <- provider.ProviderEvent{Type: provider.ProviderEventError, Err: err}:
	case <-ctx.Done():
	}
}

func (c *Client) openStreamWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var httpResp *http.Response
	err := c.retry(ctx, func() error {
		r, err := c.openStream(ctx, body)
		if err != nil {
			return err
		}
		httpResp = r
		return nil
	})
	return httpResp, err
}

// openStream sends the request and waits for the response headers at most
// the model call timeout.
func (c *Client) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout, cancel)

	httpResp, err := c.post(streamCtx, body, true)
	fired := !timer.Stop()

	if err != nil {
		cancel()
		if fired && ctx.Err() == nil {
			return nil, c.callError(ctx, context.DeadlineExceeded)
		}
		return nil, c.callError(ctx, err)
	}
	if fired {
		httpResp.Body.Close()
		cancel()
		return nil, c.callError(ctx, context.DeadlineExceeded)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer cancel()
		defer httpResp.Body.Close()
		return nil, statusError(httpResp)
	}

	httpResp.Body = &cancelOnClose{ReadCloser: httpResp.Body, cancel: cancel}
	return httpResp, nil
}

// cancelOnClose releases the stream context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// ListModels returns the models served by the backend.
func (c *Client) ListModels(ctx context.Context) ([]api.Model, error) {
	var models []api.Model
	err := c.retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1/models", nil)
		if err != nil {
			return backoff.Permanent(api.E(api.KindUpstream, api.OpModelCall, err))
		}
		c.authorize(httpReq)

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return c.callError(ctx, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return statusError(httpResp)
		}

		var list api.ModelList
		if err := json.NewDecoder(httpResp.Body).Decode(&list); err != nil {
			return malformed(err)
		}
		models = list.Data
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range models {
		if models[i].Object == "" {
			models[i].Object = api.ObjectModel
		}
	}
	return models, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) translate(req *provider.ProviderRequest, stream bool) *ChatCompletionRequest {
	reqCopy := *req
	reqCopy.Stream = stream
	if reqCopy.Model == "" {
		reqCopy.Model = c.defaultModel
	}
	return TranslateToChat(&reqCopy)
}

func (c *Client) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	c.authorize(httpReq)
	return c.httpClient.Do(httpReq)
}

func (c *Client) authorize(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// retry runs op under the client's backoff policy. Every retry is counted.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.maxRetries, 0))), ctx)

	notify := func(err error, wait time.Duration) {
		observability.ProviderRetriesTotal.WithLabelValues(ProviderName).Inc()
		slog.Warn("retrying upstream call", "error", err, "backoff", wait)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && api.KindOf(err) == "" {
		if ctx.Err() != nil {
			return api.E(api.KindCanceled, api.OpModelCall, ctx.Err())
		}
		return api.E(api.KindUpstream, api.OpModelCall, err)
	}
	return err
}

// callError classifies a failed HTTP round trip. parent is the caller's
// context; a failure caused by it is permanent.
func (c *Client) callError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return backoff.Permanent(api.E(api.KindCanceled, api.OpModelCall, parent.Err()))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.TimeoutError(api.KindUpstream, api.OpModelCall,
			fmt.Errorf("no response within %s", c.timeout))
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return backoff.Permanent(api.E(api.KindUpstream, api.OpModelCall, perm.Err))
	}
	return api.E(api.KindUpstream, api.OpModelCall, MapNetworkError(err))
}

func statusError(resp *http.Response) error {
	err := api.E(api.KindUpstream, api.OpModelCall, MapHTTPError(resp))
	if Retryable(resp.StatusCode) {
		return err
	}
	return backoff.Permanent(err)
}

func malformed(err error) error {
	return api.E(api.KindUpstream, api.OpModelCall,
		api.NewModelError("malformed backend response: "+err.Error()))
}

// observe records provider metrics for one logical call.
func (c *Client) observe(model string, start time.Time, err error, usage *api.Usage) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.ProviderRequestsTotal.WithLabelValues(ProviderName, model, status).Inc()
	observability.ProviderLatency.WithLabelValues(ProviderName, model).Observe(time.Since(start).Seconds())
	if usage != nil {
		observability.ProviderTokensTotal.WithLabelValues(ProviderName, model, "input").Add(float64(usage.PromptTokens))
		observability.ProviderTokensTotal.WithLabelValues(ProviderName, model, "output").Add(float64(usage.CompletionTokens))
	}
}
