package crawler

import (
	"context"
	"time"
)

// Provider fetches raw activity pages for one code-hosting or issue-tracking
// system and owns the mapping from its raw payloads to the common model.
type Provider interface {
	// Name returns the provider identifier used in entity declarations.
	Name() string
	// Host returns the API host, used to key the shared rate limiter.
	Host() string
	// FetchPage returns one page of raw records updated since the window
	// lower bound. An empty cursor starts a fresh window.
	FetchPage(ctx context.Context, entity CrawlerEntity, since time.Time, cursor string) (Page, error)
	// Transform maps one raw record into normalized documents.
	Transform(rec RawRecord) (Docs, error)
}

// CheckpointStore persists per-entity crawl state and drives the
// dispatch/complete status transitions.
type CheckpointStore interface {
	// Register creates state for a configured entity if none exists.
	Register(ctx context.Context, entity CrawlerEntity) error
	// Load returns the persisted state for an entity.
	Load(ctx context.Context, entity CrawlerEntity) (CrawlState, error)
	// Advance moves the checkpoint forward. The stored last_commit_at never
	// decreases; callers pass the max timestamp observed in the page.
	Advance(ctx context.Context, entity CrawlerEntity, lastCommitAt time.Time, cursor string) error
	// MarkRunning records a dispatch attempt. Workers also call it between
	// pages as a liveness heartbeat for the stale-run reclaim.
	MarkRunning(ctx context.Context, entity CrawlerEntity, at time.Time) error
	// Complete finalizes a run: idle on success, errored with a message on
	// failure. Failure counts accumulate until a successful run.
	Complete(ctx context.Context, entity CrawlerEntity, status EntityStatus, errText string) error
	// Reset clears an errored entity so the scheduler re-dispatches it.
	Reset(ctx context.Context, entity CrawlerEntity) error
	// List returns all known states, for scheduling and the ops surface.
	List(ctx context.Context) ([]CrawlState, error)
}

// DocumentStore is the external searchable store, reduced to idempotent
// upsert semantics at this boundary.
type DocumentStore interface {
	Upsert(ctx context.Context, docs []Document) (UpsertResult, error)
}

// IdentResolver maps a provider login to a canonical identity.
type IdentResolver interface {
	Resolve(provider, uid string) Ident
}

// TaskQueue provides enqueue/dequeue semantics for crawl tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Limiter paces requests against a shared per-host quota.
type Limiter interface {
	// Acquire blocks until a request slot is available for the host, or
	// returns a rate-limited error after the lease timeout.
	Acquire(ctx context.Context, host string) error
	// Observe feeds a provider rate-limit hint back into the limiter.
	Observe(host string, hint RateLimitHint)
}

// RetryPolicy decides whether and how long to wait between attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int, err error) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
