// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind selects which class of provider activity an entity crawls.
type EntityKind string

// Entity kinds supported by the pipeline.
const (
	KindChange EntityKind = "change"
	KindIssue  EntityKind = "issue"
)

// EntityStatus represents the lifecycle state of a crawler entity.
type EntityStatus string

// Entity status values persisted in the checkpoint store.
const (
	StatusIdle    EntityStatus = "idle"
	StatusRunning EntityStatus = "running"
	StatusErrored EntityStatus = "errored"
)

// CrawlerEntity identifies one crawl target within a workspace.
type CrawlerEntity struct {
	Workspace string     `json:"workspace"`
	Provider  string     `json:"provider"`
	Kind      EntityKind `json:"kind"`
	Name      string     `json:"name"`
}

// Key returns a stable identifier usable as a map or log key.
func (e CrawlerEntity) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", e.Workspace, e.Provider, e.Kind, e.Name)
}

// CrawlState is the persisted, resumable position of one entity.
type CrawlState struct {
	Entity              CrawlerEntity `json:"entity"`
	Status              EntityStatus  `json:"status"`
	LastCommitAt        time.Time     `json:"last_commit_at"`
	Cursor              string        `json:"cursor,omitempty"`
	ErrorText           string        `json:"error_text,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastAttemptAt       time.Time     `json:"last_attempt_at"`
}

// LastCommitAgeDays reports checkpoint staleness relative to now, or -1 when
// the entity has never committed.
func (s CrawlState) LastCommitAgeDays(now time.Time) int {
	if s.LastCommitAt.IsZero() {
		return -1
	}
	return int(now.Sub(s.LastCommitAt).Hours() / 24)
}

// Ident is a canonicalized actor identity spanning providers.
type Ident struct {
	UID    string   `json:"uid"`
	MUID   string   `json:"muid"`
	Groups []string `json:"groups,omitempty"`
}

// ChangeState represents the lifecycle state of a normalized change.
type ChangeState string

// Change states recognized across providers.
const (
	ChangeOpen   ChangeState = "open"
	ChangeMerged ChangeState = "merged"
	ChangeClosed ChangeState = "closed"
)

// Change is a normalized pull/merge request (or tracked issue) document.
type Change struct {
	ID           string      `json:"id"`
	Provider     string      `json:"provider"`
	Repository   string      `json:"repository"`
	Number       int         `json:"number"`
	Title        string      `json:"title"`
	Author       Ident       `json:"author"`
	MergedBy     *Ident      `json:"merged_by,omitempty"`
	State        ChangeState `json:"state"`
	Approvals    []string    `json:"approvals,omitempty"`
	CommitCount  int         `json:"commit_count"`
	Additions    int         `json:"additions"`
	Deletions    int         `json:"deletions"`
	ChangedFiles int         `json:"changed_files_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	MergedAt     *time.Time  `json:"merged_at,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	URL          string      `json:"url,omitempty"`
}

// EventType denotes which action an Event records.
type EventType string

// Event types emitted by the transformers.
const (
	EventChangeCreated   EventType = "ChangeCreatedEvent"
	EventChangeMerged    EventType = "ChangeMergedEvent"
	EventChangeAbandoned EventType = "ChangeAbandonedEvent"
	EventChangeReviewed  EventType = "ChangeReviewedEvent"
	EventChangeCommented EventType = "ChangeCommentedEvent"
)

// Event is a timestamped action on a Change, attributed to an actor.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Provider   string    `json:"provider"`
	Repository string    `json:"repository"`
	Author     Ident     `json:"author"`
	OnChangeID string    `json:"on_change_id"`
	CreatedAt  time.Time `json:"created_at"`
	Approval   string    `json:"approval,omitempty"`
}

// RawRecord is one provider payload awaiting transformation. The payload
// shape is owned entirely by the provider package that produced it.
type RawRecord struct {
	Provider   string
	Repository string
	Payload    json.RawMessage
}

// RateLimitHint carries provider quota signals consumed by the rate limiter.
type RateLimitHint struct {
	// Remaining is the quota left in the current window; -1 when unknown.
	Remaining int
	// ResetAt is when the quota window resets, if reported.
	ResetAt time.Time
	// RetryAfter is an explicit provider-requested pause, if reported.
	RetryAfter time.Duration
}

// Page is one fetched slice of provider activity.
type Page struct {
	Records    []RawRecord
	NextCursor string
	Done       bool
	Hint       RateLimitHint
}

// Docs is the normalized output of transforming one raw record.
type Docs struct {
	Change *Change
	Events []Event
	// UpdatedAt is the record's activity timestamp, used to advance the
	// checkpoint high-water mark.
	UpdatedAt time.Time
}

// DocumentKind distinguishes store document classes.
type DocumentKind string

// Document kinds written to the store.
const (
	DocChange DocumentKind = "change"
	DocEvent  DocumentKind = "event"
)

// Document is one unit written to the document store, keyed by a
// deterministic id so repeated delivery overwrites in place.
type Document struct {
	ID   string       `json:"id"`
	Kind DocumentKind `json:"kind"`
	Body any          `json:"body"`
}

// RejectedDocument reports a per-document store rejection.
type RejectedDocument struct {
	ID     string
	Reason string
}

// UpsertResult summarizes one document store write.
type UpsertResult struct {
	Committed int
	Rejected  []RejectedDocument
}

// CrawlCounters tracks per-run outcome stats surfaced with the crawl result.
type CrawlCounters struct {
	Pages   int `json:"pages"`
	Changes int `json:"changes"`
	Events  int `json:"events"`
	Skipped int `json:"skipped"`
	Dropped int `json:"dropped"`
	Retries int `json:"retries"`
}

// Task is one unit of scheduler work: a single-entity crawl run.
type Task struct {
	RunID      string
	Entity     CrawlerEntity
	EnqueuedAt time.Time
}
