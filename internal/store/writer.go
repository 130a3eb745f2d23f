// Package store implements the idempotent write path in front of the
// document store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/metrics"
)

// WriterConfig controls batching and write timeouts.
type WriterConfig struct {
	// BatchSize bounds one store call; a crawl page may span several
	// batches (default 500).
	BatchSize int
	// WriteTimeout bounds a single store call; exceeding it is treated
	// as store-unavailable and retried (default 30s).
	WriteTimeout time.Duration
}

// WriteResult summarizes one page-level write.
type WriteResult struct {
	Committed int
	Dropped   []crawler.RejectedDocument
	Retries   int
}

// Writer upserts normalized documents in bounded batches. Batch failures
// retry the whole batch, never a partial subset; per-document rejections
// are dropped, counted, and reported.
type Writer struct {
	store  crawler.DocumentStore
	policy crawler.RetryPolicy
	cfg    WriterConfig
	logger *zap.Logger
}

// NewWriter constructs a Writer.
func NewWriter(store crawler.DocumentStore, policy crawler.RetryPolicy, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}
}

// Write commits all documents for one page. The caller only advances its
// checkpoint when Write returns nil; a non-nil error means at least one
// batch never committed.
func (w *Writer) Write(ctx context.Context, provider string, docs []crawler.Document) (WriteResult, error) {
	var result WriteResult
	for start := 0; start < len(docs); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		res, retries, err := w.writeBatch(ctx, docs[start:end])
		result.Retries += retries
		if err != nil {
			return result, err
		}
		result.Committed += res.Committed
		result.Dropped = append(result.Dropped, res.Rejected...)

		w.recordBatch(provider, docs[start:end], res)
	}
	return result, nil
}

func (w *Writer) writeBatch(ctx context.Context, batch []crawler.Document) (crawler.UpsertResult, int, error) {
	var retries int
	for attempt := 0; ; attempt++ {
		batchCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		res, err := w.store.Upsert(batchCtx, batch)
		cancel()
		if err == nil {
			return res, retries, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("write timed out: %w", crawler.ErrStoreUnavailable)
		}
		if !w.policy.ShouldRetry(err, attempt) {
			return crawler.UpsertResult{}, retries, fmt.Errorf("write batch of %d: %w", len(batch), err)
		}
		retries++
		delay := w.policy.Backoff(attempt, err)
		w.logger.Warn("store write failed, backing off",
			zap.Int("batch_size", len(batch)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return crawler.UpsertResult{}, retries, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Writer) recordBatch(provider string, batch []crawler.Document, res crawler.UpsertResult) {
	rejected := make(map[string]bool, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.ID] = true
		w.logger.Warn("document rejected by store",
			zap.String("doc_id", r.ID),
			zap.String("reason", r.Reason),
		)
	}
	committedByKind := make(map[string]int)
	for _, doc := range batch {
		if !rejected[doc.ID] {
			committedByKind[string(doc.Kind)]++
		}
	}
	for kind, n := range committedByKind {
		metrics.AddDocumentsUpserted(kind, n)
	}
	metrics.AddDocumentsDropped(provider, len(res.Rejected))
}
