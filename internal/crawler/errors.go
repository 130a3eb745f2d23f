package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Failure classes shared by adapters, stores, and the retry policy. Call
// sites wrap these with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrAuth means credentials were rejected; fatal, never retried.
	ErrAuth = errors.New("authentication rejected")
	// ErrTransient covers network failures and provider 5xx responses.
	ErrTransient = errors.New("transient failure")
	// ErrSchema means a payload did not match the expected shape; the
	// affected record or page is skipped, never retried.
	ErrSchema = errors.New("unexpected payload shape")
	// ErrStoreUnavailable means the document store could not take a write.
	ErrStoreUnavailable = errors.New("document store unavailable")
	// ErrNotFound is returned by stores for unknown entities.
	ErrNotFound = errors.New("not found")
)

// RateLimitedError reports provider throttling, optionally carrying the
// provider's own backoff hint.
type RateLimitedError struct {
	Hint RateLimitHint
}

func (e *RateLimitedError) Error() string {
	if e.Hint.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.Hint.RetryAfter)
	}
	return "rate limited"
}

// RateLimited builds a throttling error with an explicit retry-after hint.
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{Hint: RateLimitHint{Remaining: -1, RetryAfter: retryAfter}}
}

// IsRateLimited reports whether err is a throttling failure and returns the
// provider hint when present.
func IsRateLimited(err error) (RateLimitHint, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.Hint, true
	}
	return RateLimitHint{}, false
}

// IsRetryable reports whether the error class permits another attempt.
// Unclassified errors are treated as fatal for the current run.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
