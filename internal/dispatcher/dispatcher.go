// Package dispatcher schedules crawl runs and fans them out to a worker
// pool.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/metrics"
	"github.com/repometrics/crawler/internal/worker"
)

// Config controls scheduling behavior.
type Config struct {
	// Workers is the size of the crawl pool.
	Workers int
	// PollInterval is how often the entity table is swept for due work.
	PollInterval time.Duration
	// CrawlInterval is the minimum gap between runs of one entity.
	CrawlInterval time.Duration
	// MaxConsecutiveFailures stops re-dispatching an errored entity until a
	// manual reset.
	MaxConsecutiveFailures int
	// StaleRunningAfter reclaims entities stuck in running state with no
	// heartbeat, which happens when the process died mid-crawl. Live runs
	// refresh last_attempt_at between pages and are never reclaimed.
	StaleRunningAfter time.Duration
}

// Dispatcher sweeps the checkpoint table and enqueues due entities.
type Dispatcher struct {
	queue       crawler.TaskQueue
	checkpoints crawler.CheckpointStore
	worker      *worker.Worker
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Dispatcher.
func New(
	queue crawler.TaskQueue,
	checkpoints crawler.CheckpointStore,
	w *worker.Worker,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.CrawlInterval <= 0 {
		cfg.CrawlInterval = 10 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = 6 * cfg.CrawlInterval
	}
	return &Dispatcher{
		queue:       queue,
		checkpoints: checkpoints,
		worker:      w,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run starts the worker pool and the scheduling sweep, blocking until the
// context finishes and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker.Run(ctx)
		}()
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep enqueues every entity that is due for a crawl. An entity is marked
// running before it is enqueued so the next sweep cannot dispatch it twice.
func (d *Dispatcher) Sweep(ctx context.Context) {
	states, err := d.checkpoints.List(ctx)
	if err != nil {
		d.logger.Error("list entities failed", zap.Error(err))
		return
	}

	now := d.clock.Now()
	counts := map[string]int{}
	for _, state := range states {
		counts[string(state.Status)]++
	}
	metrics.SetEntities(counts)

	for _, state := range states {
		if !d.due(state, now) {
			continue
		}
		if err := d.checkpoints.MarkRunning(ctx, state.Entity, now); err != nil {
			d.logger.Error("mark running failed",
				zap.String("entity", state.Entity.Key()),
				zap.Error(err))
			continue
		}
		task := crawler.Task{RunID: uuid.NewString(), Entity: state.Entity, EnqueuedAt: now}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			d.logger.Error("enqueue failed",
				zap.String("entity", state.Entity.Key()),
				zap.Error(err))
			// The entity stays running until the stale reclaim window
			// passes, then gets swept again.
			continue
		}
		d.logger.Debug("dispatched",
			zap.String("run_id", task.RunID),
			zap.String("entity", state.Entity.Key()))
	}
}

func (d *Dispatcher) due(state crawler.CrawlState, now time.Time) bool {
	switch state.Status {
	case crawler.StatusRunning:
		return !state.LastAttemptAt.IsZero() && now.Sub(state.LastAttemptAt) >= d.cfg.StaleRunningAfter
	case crawler.StatusErrored:
		if state.ConsecutiveFailures >= d.cfg.MaxConsecutiveFailures {
			return false
		}
	}
	if state.LastAttemptAt.IsZero() {
		return true
	}
	return now.Sub(state.LastAttemptAt) >= d.cfg.CrawlInterval
}
