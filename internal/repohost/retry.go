package repohost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
)

const serviceName = "repohost"

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the first wait between attempts.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including rate-limit waits.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each attempt.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// withRetry runs call with exponential backoff, honoring GitHub rate-limit
// reset times. The returned error is always a *flowerr.UpstreamError (404s
// additionally wrap flowerr.ErrNotFound).
func withRetry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, op string, call func() (*github.Response, error)) (*github.Response, error) {
	cfg.ApplyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := cfg.InitialBackoff
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := call()
		if err == nil {
			if attempt > 0 {
				logger.Info(ctx, "github call recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isGitHubRetryableError(err, resp) {
			logger.Debug(ctx, "github error is not retryable",
				zap.String("op", op),
				zap.Error(err),
				zap.Int("status_code", getStatusCode(resp)),
			)
			return resp, upstreamError(op, resp, err)
		}

		if attempt == cfg.MaxRetries {
			break
		}

		if isRateLimitError(resp) {
			backoff = getRateLimitBackoff(resp, cfg.MaxBackoff)
			logger.Info(ctx, "github rate limit hit, waiting",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
		} else {
			logger.Info(ctx, "retrying github call after transient error",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Error(err),
				zap.Int("status_code", getStatusCode(resp)),
				zap.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return nil, flowerr.Upstream(serviceName, op, 0, false, fmt.Errorf("operation canceled: %w", ctx.Err()))
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if next > cfg.MaxBackoff {
				next = cfg.MaxBackoff
			}
			backoff = next
		}
	}

	logger.Warn(ctx, "github call failed after all retries",
		zap.String("op", op),
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
		zap.Int("status_code", getStatusCode(lastResp)),
	)
	return lastResp, upstreamError(op, lastResp, fmt.Errorf("after %d retries: %w", cfg.MaxRetries, lastErr))
}

func upstreamError(op string, resp *github.Response, err error) error {
	status := getStatusCode(resp)
	up := flowerr.Upstream(serviceName, op, status, isGitHubRetryableError(err, resp), err)
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", flowerr.ErrNotFound, up)
	}
	return up
}

// isGitHubRetryableError checks if a GitHub API error is retryable.
func isGitHubRetryableError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}

	if resp == nil || resp.Response == nil {
		// No response: network failure or timeout.
		return true
	}

	switch status := resp.Response.StatusCode; status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		// Secondary rate limits arrive as 403 with rate headers.
		return resp.Rate.Limit > 0
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity:
		return false
	default:
		return status >= 500 && status < 600
	}
}

// isRateLimitError checks if the response indicates a rate limit error.
func isRateLimitError(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

// getRateLimitBackoff waits until the rate limit resets, plus one second,
// capped at maxBackoff.
func getRateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return min(time.Minute, maxBackoff)
	}

	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < 0 {
		backoff = time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// getStatusCode safely extracts the HTTP status code from a GitHub response.
func getStatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
