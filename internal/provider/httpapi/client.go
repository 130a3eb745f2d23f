// Package httpapi is the thin HTTP layer shared by the provider adapters.
// It classifies wire-level failures into the pipeline's error taxonomy and
// leaves payload interpretation to each provider.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

// Client wraps an http.Client with the crawl pipeline's defaults.
type Client struct {
	http      *http.Client
	userAgent string
}

// New builds a Client with the given per-request timeout.
func New(timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "repometrics-crawler/1.0"
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Do executes the request and classifies the response status into the error
// taxonomy. A nil error means a 2xx response; the caller owns the body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Timeouts and connection failures are retryable.
		return nil, fmt.Errorf("%w: %w", crawler.ErrTransient, err)
	}
	if err := ClassifyStatus(resp); err != nil {
		drainAndClose(resp)
		return nil, err
	}
	return resp, nil
}

// ClassifyStatus maps a non-2xx response onto the error taxonomy.
func ClassifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Forbidden doubles as GitHub's secondary rate limit signal.
		if retryAfter := RetryAfter(resp.Header); retryAfter > 0 {
			return &crawler.RateLimitedError{Hint: crawler.RateLimitHint{Remaining: -1, RetryAfter: retryAfter}}
		}
		return fmt.Errorf("%w: status %d", crawler.ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &crawler.RateLimitedError{Hint: crawler.RateLimitHint{Remaining: 0, RetryAfter: RetryAfter(resp.Header)}}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", crawler.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d", crawler.ErrSchema, resp.StatusCode)
	}
}

// RetryAfter parses the Retry-After header, in seconds, when present.
func RetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// QuotaHint extracts the standard remaining/reset headers used by GitHub and
// GitLab. Remaining is -1 when the headers are absent.
func QuotaHint(h http.Header) crawler.RateLimitHint {
	hint := crawler.RateLimitHint{Remaining: -1, RetryAfter: RetryAfter(h)}
	for _, key := range []string{"X-RateLimit-Remaining", "RateLimit-Remaining"} {
		if raw := h.Get(key); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				hint.Remaining = n
				break
			}
		}
	}
	for _, key := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		if raw := h.Get(key); raw != "" {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
				hint.ResetAt = time.Unix(unix, 0).UTC()
				break
			}
		}
	}
	return hint
}

// DecodeJSON reads and decodes the body, mapping malformed payloads onto the
// schema error class, then closes the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer drainAndClose(resp)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %w", crawler.ErrTransient, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode body: %w", crawler.ErrSchema, err)
	}
	return nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
