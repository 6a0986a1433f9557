// Package llm is the chat-completion transport used by the step executor.
//
// The transport posts {model, temperature, messages, stream:false} to a
// configured endpoint and pulls the assistant text out of whichever response
// shape the provider returns (see Shape).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/repoflow/internal/config"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

// Default configuration values.
const (
	defaultPath        = "/v1/chat/completions"
	defaultTimeout     = 120 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 1 * time.Second
	defaultRateLimit   = 1.0
	defaultBurst       = 5
	maxResponseBytes   = 8 << 20
)

const serviceName = "model"

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a non-streaming chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
}

// Client returns the assistant text for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config configures HTTPClient.
type Config struct {
	BaseURL    string
	Path       string
	APIKey     config.Secret
	Timeout    time.Duration
	RateLimit  float64 // requests per second
	Burst      int
	MaxRetries int
	Shapes     []Shape
}

// HTTPClient implements Client over HTTP with rate limiting. Only explicit
// throttling replies (429, 503) are retried here; network failures and
// timeouts return immediately as *flowerr.UpstreamError.
type HTTPClient struct {
	url        string
	apiKey     config.Secret
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	shapes     []Shape
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("model base URL required")
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	shapes := cfg.Shapes
	if len(shapes) == 0 {
		shapes = DefaultShapes()
	}

	return &HTTPClient{
		url:        strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries: maxRetries,
		backoff:    defaultBaseBackoff,
		shapes:     shapes,
	}, nil
}

// Complete sends req and returns the extracted assistant text.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", flowerr.Upstream(serviceName, "complete", 0, false, fmt.Errorf("rate limiter: %w", err))
	}

	req.Stream = false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", flowerr.Upstream(serviceName, "complete", 0, false, ctx.Err())
			}
		}

		text, err := c.doRequest(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isThrottled(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *HTTPClient) doRequest(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey.IsSet() {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey.Value())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		return "", flowerr.Upstream(serviceName, "complete", 0, timedOut, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", flowerr.Upstream(serviceName, "complete", resp.StatusCode, false, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", flowerr.Upstream(serviceName, "complete", resp.StatusCode, retryable, errors.New(errorMessage(body)))
	}

	text, _, ok := ExtractText(body, c.shapes)
	if !ok {
		return "", flowerr.Upstream(serviceName, "complete", resp.StatusCode, false, fmt.Errorf("no assistant text in response: %s", errorMessage(body)))
	}
	return text, nil
}

func isThrottled(err error) bool {
	var up *flowerr.UpstreamError
	if !errors.As(err, &up) {
		return false
	}
	return up.StatusCode == http.StatusTooManyRequests || up.StatusCode == http.StatusServiceUnavailable
}

// errorMessage pulls a provider error message out of body, truncated.
func errorMessage(body []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && len(e.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(e.Error, &s) == nil && s != "" {
			return s
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

var _ Client = (*HTTPClient)(nil)
