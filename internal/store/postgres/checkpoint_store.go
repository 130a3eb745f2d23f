package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repometrics/crawler/internal/crawler"
)

// CheckpointStore persists per-entity crawl state in Postgres.
// It assumes a table schema like:
// CREATE TABLE crawl_states (
//
//	workspace TEXT NOT NULL,
//	provider TEXT NOT NULL,
//	kind TEXT NOT NULL,
//	name TEXT NOT NULL,
//	status TEXT NOT NULL DEFAULT 'idle',
//	last_commit_at TIMESTAMPTZ,
//	cursor TEXT NOT NULL DEFAULT '',
//	error_text TEXT NOT NULL DEFAULT '',
//	consecutive_failures INT NOT NULL DEFAULT 0,
//	last_attempt_at TIMESTAMPTZ,
//	PRIMARY KEY (workspace, provider, kind, name)
//
// );
type CheckpointStore struct {
	pool dbPool
}

// NewCheckpointStore creates a Postgres-backed CheckpointStore from config.
func NewCheckpointStore(ctx context.Context, cfg DocumentStoreConfig) (*CheckpointStore, error) {
	pool, err := newPool(ctx, cfg.DSN, cfg.MaxConns, cfg.MinConns, cfg.MaxConnLifetime)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{pool: pool}, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewCheckpointStoreWithPool(pool dbPool) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Register creates idle state for a configured entity if none exists.
func (s *CheckpointStore) Register(ctx context.Context, entity crawler.CrawlerEntity) error {
	query := `
		INSERT INTO crawl_states (workspace, provider, kind, name, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace, provider, kind, name) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name, string(crawler.StatusIdle))
	if err != nil {
		return fmt.Errorf("register entity %s: %w", entity.Key(), err)
	}
	return nil
}

// Load returns the persisted state for an entity.
func (s *CheckpointStore) Load(ctx context.Context, entity crawler.CrawlerEntity) (crawler.CrawlState, error) {
	query := `
		SELECT status, last_commit_at, cursor, error_text, consecutive_failures, last_attempt_at
		FROM crawl_states
		WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4;
	`
	state := crawler.CrawlState{Entity: entity}
	var (
		status        string
		lastCommitAt  *time.Time
		lastAttemptAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name).Scan(
		&status,
		&lastCommitAt,
		&state.Cursor,
		&state.ErrorText,
		&state.ConsecutiveFailures,
		&lastAttemptAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlState{}, crawler.ErrNotFound
		}
		return crawler.CrawlState{}, fmt.Errorf("load state %s: %w", entity.Key(), err)
	}
	state.Status = crawler.EntityStatus(status)
	if lastCommitAt != nil {
		state.LastCommitAt = *lastCommitAt
	}
	if lastAttemptAt != nil {
		state.LastAttemptAt = *lastAttemptAt
	}
	return state, nil
}

// Advance moves the checkpoint forward. GREATEST keeps last_commit_at
// monotonically non-decreasing even on re-delivered pages.
func (s *CheckpointStore) Advance(ctx context.Context, entity crawler.CrawlerEntity, lastCommitAt time.Time, cursor string) error {
	query := `
		UPDATE crawl_states
		SET last_commit_at = GREATEST(COALESCE(last_commit_at, 'epoch'::timestamptz), $5),
		    cursor = $6
		WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4;
	`
	tag, err := s.pool.Exec(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name, lastCommitAt, cursor)
	if err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", entity.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// MarkRunning records a dispatch attempt.
func (s *CheckpointStore) MarkRunning(ctx context.Context, entity crawler.CrawlerEntity, at time.Time) error {
	query := `
		UPDATE crawl_states
		SET status = $5, last_attempt_at = $6
		WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4;
	`
	tag, err := s.pool.Exec(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name, string(crawler.StatusRunning), at)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", entity.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// Complete finalizes a run. Successful runs clear the failure streak;
// failed runs extend it.
func (s *CheckpointStore) Complete(ctx context.Context, entity crawler.CrawlerEntity, status crawler.EntityStatus, errText string) error {
	var query string
	if status == crawler.StatusErrored {
		query = `
			UPDATE crawl_states
			SET status = $5, error_text = $6, consecutive_failures = consecutive_failures + 1
			WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4;
		`
	} else {
		query = `
			UPDATE crawl_states
			SET status = $5, error_text = $6, consecutive_failures = 0
			WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4;
		`
	}
	tag, err := s.pool.Exec(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name, string(status), errText)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", entity.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// Reset clears an errored entity so the scheduler re-dispatches it.
func (s *CheckpointStore) Reset(ctx context.Context, entity crawler.CrawlerEntity) error {
	query := `
		UPDATE crawl_states
		SET status = $5, error_text = '', consecutive_failures = 0
		WHERE workspace = $1 AND provider = $2 AND kind = $3 AND name = $4 AND status = $6;
	`
	tag, err := s.pool.Exec(ctx, query, entity.Workspace, entity.Provider, string(entity.Kind), entity.Name, string(crawler.StatusIdle), string(crawler.StatusErrored))
	if err != nil {
		return fmt.Errorf("reset entity %s: %w", entity.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// List returns all known states, for scheduling and the ops surface.
func (s *CheckpointStore) List(ctx context.Context) ([]crawler.CrawlState, error) {
	query := `
		SELECT workspace, provider, kind, name, status, last_commit_at, cursor, error_text, consecutive_failures, last_attempt_at
		FROM crawl_states
		ORDER BY workspace, provider, kind, name;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list crawl states: %w", err)
	}
	defer rows.Close()

	var states []crawler.CrawlState
	for rows.Next() {
		var (
			state         crawler.CrawlState
			kind          string
			status        string
			lastCommitAt  *time.Time
			lastAttemptAt *time.Time
		)
		err := rows.Scan(
			&state.Entity.Workspace,
			&state.Entity.Provider,
			&kind,
			&state.Entity.Name,
			&status,
			&lastCommitAt,
			&state.Cursor,
			&state.ErrorText,
			&state.ConsecutiveFailures,
			&lastAttemptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan crawl state row: %w", err)
		}
		state.Entity.Kind = crawler.EntityKind(kind)
		state.Status = crawler.EntityStatus(status)
		if lastCommitAt != nil {
			state.LastCommitAt = *lastCommitAt
		}
		if lastAttemptAt != nil {
			state.LastAttemptAt = *lastAttemptAt
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl states: %w", err)
	}
	return states, nil
}
