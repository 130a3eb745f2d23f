// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/metrics"
	"github.com/repometrics/crawler/internal/store"
)

// Config controls Worker behavior.
type Config struct {
	// OverlapMargin is subtracted from the checkpoint when opening the next
	// crawl window, so activity committed just before the previous run's
	// high-water mark is re-fetched rather than lost. Idempotent document
	// ids make the re-delivery harmless.
	OverlapMargin time.Duration
	// CompleteTimeout bounds the final status write after the crawl context
	// is gone.
	CompleteTimeout time.Duration
}

// Worker consumes crawl tasks and executes the fetch-transform-write loop
// for one entity at a time.
type Worker struct {
	queue       crawler.TaskQueue
	providers   map[string]crawler.Provider
	checkpoints crawler.CheckpointStore
	writer      *store.Writer
	limiter     crawler.Limiter
	policy      crawler.RetryPolicy
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.TaskQueue,
	providers map[string]crawler.Provider,
	checkpoints crawler.CheckpointStore,
	writer *store.Writer,
	limiter crawler.Limiter,
	policy crawler.RetryPolicy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.OverlapMargin <= 0 {
		cfg.OverlapMargin = 30 * time.Minute
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = 10 * time.Second
	}
	return &Worker{
		queue:       queue,
		providers:   providers,
		checkpoints: checkpoints,
		writer:      writer,
		limiter:     limiter,
		policy:      policy,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("run_id", task.RunID),
			zap.String("entity", task.Entity.Key()))
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task crawler.Task) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	entity := task.Entity
	provider, ok := w.providers[entity.Provider]
	if !ok {
		w.complete(entity, crawler.StatusErrored, fmt.Sprintf("no provider configured for %q", entity.Provider))
		return
	}

	state, err := w.checkpoints.Load(ctx, entity)
	if err != nil {
		w.logger.Error("load checkpoint failed", zap.String("entity", entity.Key()), zap.Error(err))
		w.complete(entity, crawler.StatusErrored, fmt.Sprintf("load checkpoint: %v", err))
		return
	}

	counters, err := w.crawl(ctx, provider, entity, state)

	status := crawler.StatusIdle
	errText := ""
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown between pages. The checkpoint already covers everything
		// written, so the next dispatch resumes cleanly.
		w.logger.Info("crawl interrupted",
			zap.String("entity", entity.Key()),
			zap.Int("pages", counters.Pages))
	default:
		status = crawler.StatusErrored
		errText = err.Error()
		w.logger.Error("crawl failed",
			zap.String("entity", entity.Key()),
			zap.Error(err))
	}

	w.complete(entity, status, errText)
	metrics.IncCrawlRun(entity.Provider, string(status))
	w.logger.Info("crawl finished",
		zap.String("run_id", task.RunID),
		zap.String("entity", entity.Key()),
		zap.String("status", string(status)),
		zap.Int("pages", counters.Pages),
		zap.Int("changes", counters.Changes),
		zap.Int("events", counters.Events),
		zap.Int("skipped", counters.Skipped),
		zap.Int("dropped", counters.Dropped),
		zap.Int("retries", counters.Retries))
}

// crawl walks the entity's activity window page by page. Each page is
// transformed, written, and only then checkpointed, so a crash re-delivers
// at most one page worth of documents.
func (w *Worker) crawl(ctx context.Context, provider crawler.Provider, entity crawler.CrawlerEntity, state crawler.CrawlState) (crawler.CrawlCounters, error) {
	var counters crawler.CrawlCounters

	since := time.Time{}
	if !state.LastCommitAt.IsZero() {
		since = state.LastCommitAt.Add(-w.cfg.OverlapMargin)
	}
	cursor := state.Cursor
	highWater := state.LastCommitAt

	for {
		if err := ctx.Err(); err != nil {
			return counters, err
		}

		page, err := w.fetchPage(ctx, provider, entity, since, cursor, &counters)
		if err != nil {
			if errors.Is(err, crawler.ErrSchema) {
				// A malformed page body gives us no cursor to move past,
				// so end the run here; the checkpoint keeps whatever the
				// earlier pages committed and the next window retries.
				counters.Skipped++
				metrics.IncRecordSkipped(provider.Name(), "page")
				w.logger.Warn("page skipped",
					zap.String("entity", entity.Key()),
					zap.String("cursor", cursor),
					zap.Error(err))
				return counters, nil
			}
			return counters, err
		}
		counters.Pages++
		w.limiter.Observe(provider.Host(), page.Hint)

		docs, pageMax := w.transformPage(provider, entity, page.Records, &counters)

		// Write-then-advance is a critical section: shutdown may stop the
		// crawl between pages but never between a page's write and its
		// checkpoint. The writer's own timeouts still bound each call.
		commitCtx := context.WithoutCancel(ctx)

		if len(docs) > 0 {
			res, err := w.writer.Write(commitCtx, provider.Name(), docs)
			counters.Dropped += len(res.Dropped)
			counters.Retries += res.Retries
			if err != nil {
				return counters, fmt.Errorf("write page: %w", err)
			}
		}

		if pageMax.After(highWater) {
			highWater = pageMax
		}
		cursor = page.NextCursor
		if page.Done {
			cursor = ""
		}
		// Documents are durable at this point; only now may the
		// checkpoint move.
		if err := w.checkpoints.Advance(commitCtx, entity, highWater, cursor); err != nil {
			return counters, fmt.Errorf("advance checkpoint: %w", err)
		}

		if page.Done {
			return counters, nil
		}

		// Heartbeat so the scheduler's stale reclaim distinguishes a long
		// live crawl from one orphaned by a crash.
		if err := w.checkpoints.MarkRunning(ctx, entity, w.clock.Now()); err != nil {
			w.logger.Warn("heartbeat failed",
				zap.String("entity", entity.Key()),
				zap.Error(err))
		}
	}
}

// fetchPage acquires a rate-limit slot and fetches one page, retrying
// transient and rate-limited failures under the retry policy.
func (w *Worker) fetchPage(ctx context.Context, provider crawler.Provider, entity crawler.CrawlerEntity, since time.Time, cursor string, counters *crawler.CrawlCounters) (crawler.Page, error) {
	host := provider.Host()
	for attempt := 1; ; attempt++ {
		err := w.limiter.Acquire(ctx, host)
		if err == nil {
			start := w.clock.Now()
			var page crawler.Page
			page, err = provider.FetchPage(ctx, entity, since, cursor)
			if err == nil {
				metrics.IncPageFetched(provider.Name(), w.clock.Now().Sub(start))
				return page, nil
			}
		}

		if hint, ok := crawler.IsRateLimited(err); ok {
			w.limiter.Observe(host, hint)
		}
		if !w.policy.ShouldRetry(err, attempt) {
			return crawler.Page{}, fmt.Errorf("fetch page: %w", err)
		}
		counters.Retries++
		delay := w.policy.Backoff(attempt, err)
		w.logger.Warn("fetch retry",
			zap.String("entity", entity.Key()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return crawler.Page{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// transformPage maps raw records to store documents. A record the provider
// cannot interpret is skipped and counted, never aborting the page.
func (w *Worker) transformPage(provider crawler.Provider, entity crawler.CrawlerEntity, records []crawler.RawRecord, counters *crawler.CrawlCounters) ([]crawler.Document, time.Time) {
	var docs []crawler.Document
	var pageMax time.Time
	for _, rec := range records {
		out, err := provider.Transform(rec)
		if err != nil {
			counters.Skipped++
			metrics.IncRecordSkipped(provider.Name(), "transform")
			w.logger.Warn("record skipped",
				zap.String("entity", entity.Key()),
				zap.Error(err))
			continue
		}
		if out.Change != nil {
			docs = append(docs, crawler.Document{ID: out.Change.ID, Kind: crawler.DocChange, Body: out.Change})
			counters.Changes++
		}
		for i := range out.Events {
			docs = append(docs, crawler.Document{ID: out.Events[i].ID, Kind: crawler.DocEvent, Body: out.Events[i]})
		}
		counters.Events += len(out.Events)
		if out.UpdatedAt.After(pageMax) {
			pageMax = out.UpdatedAt
		}
	}
	return docs, pageMax
}

// complete writes the final entity status on its own context so shutdown
// does not strand an entity in running state.
func (w *Worker) complete(entity crawler.CrawlerEntity, status crawler.EntityStatus, errText string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CompleteTimeout)
	defer cancel()
	if err := w.checkpoints.Complete(ctx, entity, status, errText); err != nil {
		w.logger.Error("final status update failed",
			zap.String("entity", entity.Key()),
			zap.Error(err))
	}
}
