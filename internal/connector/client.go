package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures the retry behavior for source HTTP calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for polling external sources.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// fetchTimeout bounds one HTTP exchange with a source. A timeout is a
// transient failure, not a crash.
const fetchTimeout = 30 * time.Second

// maxResponseBytes caps a source response body (guards against a misbehaving
// endpoint streaming unbounded data).
const maxResponseBytes = 10 << 20

// client wraps source HTTP access with auth, politeness rate limiting and
// bounded exponential-backoff retry on transient failures.
type client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
	retry   RetryConfig
}

func newClient(token string) *client {
	return &client{
		http:    &http.Client{Timeout: fetchTimeout},
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		retry:   DefaultRetryConfig(),
	}
}

// getJSON fetches url and decodes the response into out, retrying transient
// failures with exponential backoff. Every attempt waits for the politeness
// limiter first.
func (c *client) getJSON(ctx context.Context, url string, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, out)
}

// postJSON sends body as JSON to url and decodes the response into out.
func (c *client) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, url, data, out)
}

func (c *client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error
	delay := c.retry.InitialInterval

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryableError(err) {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: canceled during retry: %v", ErrTransient, ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return fmt.Errorf("%w: after %d retries: %v", ErrTransient, c.retry.MaxRetries, lastErr)
}

func (c *client) doOnce(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Include the status so retryableError can classify 429/5xx.
		return fmt.Errorf("http %s %s: status %d", method, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// retryablePatterns groups error substrings by category. Matched
// case-insensitively against err.Error(). String matching because neither
// net/http nor the sources expose typed errors for these.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}
