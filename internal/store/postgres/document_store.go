// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repometrics/crawler/internal/crawler"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DocumentStoreConfig controls the Postgres connection pool.
type DocumentStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DocumentStore writes normalized documents into Postgres, keyed by their
// deterministic ids so repeated delivery overwrites in place.
// It assumes a table schema like:
// CREATE TABLE documents (
//
//	id TEXT PRIMARY KEY,
//	kind TEXT NOT NULL,
//	body JSONB NOT NULL,
//	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//
// );
type DocumentStore struct {
	pool dbPool
}

// NewDocumentStore creates a Postgres-backed DocumentStore from config.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, error) {
	pool, err := newPool(ctx, cfg.DSN, cfg.MaxConns, cfg.MinConns, cfg.MaxConnLifetime)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: pool}, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewDocumentStoreWithPool(pool dbPool) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertDocumentSQL = `
	INSERT INTO documents (id, kind, body, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (id) DO UPDATE
	SET kind = EXCLUDED.kind, body = EXCLUDED.body, updated_at = NOW();
`

// Upsert writes each document under its deterministic id. Documents the
// database rejects are dropped from the batch and reported; transport
// failures abort the whole call as store-unavailable so the caller retries.
func (s *DocumentStore) Upsert(ctx context.Context, docs []crawler.Document) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	for _, doc := range docs {
		if doc.ID == "" {
			res.Rejected = append(res.Rejected, crawler.RejectedDocument{ID: doc.ID, Reason: "empty document id"})
			continue
		}
		body, err := json.Marshal(doc.Body)
		if err != nil {
			res.Rejected = append(res.Rejected, crawler.RejectedDocument{ID: doc.ID, Reason: fmt.Sprintf("marshal body: %v", err)})
			continue
		}
		if _, err := s.pool.Exec(ctx, upsertDocumentSQL, doc.ID, string(doc.Kind), body); err != nil {
			if isDocumentRejection(err) {
				res.Rejected = append(res.Rejected, crawler.RejectedDocument{ID: doc.ID, Reason: err.Error()})
				continue
			}
			return res, fmt.Errorf("upsert document %s: %w: %w", doc.ID, crawler.ErrStoreUnavailable, err)
		}
		res.Committed++
	}
	return res, nil
}

// isDocumentRejection distinguishes per-document validation failures
// (SQLSTATE data or integrity classes) from transport-level outages.
func isDocumentRejection(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	default:
		return false
	}
}

func newPool(ctx context.Context, dsn string, maxConns, minConns int32, maxLifetime time.Duration) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}
	if maxLifetime > 0 {
		poolCfg.MaxConnLifetime = maxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
