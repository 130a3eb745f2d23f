// Package ratelimit implements the shared per-provider-host throttle.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/metrics"
)

// hostBucket pairs a host's token bucket with the deadline of the last
// explicit throttle signal from that host.
type hostBucket struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// Limiter manages per-host token buckets shared by all workers. A worker
// acquiring a slot for host X contends with every other worker hitting X,
// regardless of which entity it is crawling.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*hostBucket
	defaultRate  rate.Limit
	defaultBurst int
	leaseTimeout time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the steady request rate per host; <= 0 means unlimited.
	DefaultRPS float64
	// DefaultBurst is the bucket depth per host.
	DefaultBurst int
	// LeaseTimeout bounds how long Acquire blocks before the fetch is
	// treated as rate limited.
	LeaseTimeout time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	lease := cfg.LeaseTimeout
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Limiter{
		hosts:        make(map[string]*hostBucket),
		defaultRate:  r,
		defaultBurst: burst,
		leaseTimeout: lease,
	}
}

// Acquire blocks until a token is available for the host. When the host is
// inside a retry-after window, or no token arrives within the lease timeout,
// the caller gets a rate-limited error and falls into the normal backoff
// path.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	bucket := l.host(host)

	start := time.Now()
	deadline := start.Add(l.leaseTimeout)

	l.mu.Lock()
	blocked := bucket.blockedUntil
	l.mu.Unlock()

	if wait := time.Until(blocked); wait > 0 {
		if blocked.After(deadline) {
			return crawler.RateLimited(wait)
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	leaseCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := bucket.limiter.Wait(leaseCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return crawler.RateLimited(l.leaseTimeout)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, delay)
	}
	return nil
}

// Observe feeds a provider quota hint back into the host's bucket. An
// explicit retry-after opens a hold window that Acquire honors until it
// expires; a near-exhausted quota spreads the remaining requests across
// the window.
func (l *Limiter) Observe(host string, hint crawler.RateLimitHint) {
	bucket := l.host(host)

	if hint.RetryAfter > 0 {
		until := time.Now().Add(hint.RetryAfter)
		l.mu.Lock()
		if until.After(bucket.blockedUntil) {
			bucket.blockedUntil = until
		}
		l.mu.Unlock()
		return
	}
	if hint.Remaining < 0 || hint.ResetAt.IsZero() {
		return
	}
	window := time.Until(hint.ResetAt)
	if window <= 0 {
		bucket.limiter.SetLimit(l.defaultRate)
		return
	}
	paced := rate.Limit(float64(hint.Remaining) / window.Seconds())
	if paced < bucket.limiter.Limit() {
		bucket.limiter.SetLimit(paced)
	}
}

func (l *Limiter) host(host string) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.hosts[host]
	if !ok {
		bucket = &hostBucket{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.hosts[host] = bucket
	}
	return bucket
}
