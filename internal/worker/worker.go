// Package worker executes deferred scraping runs pulled from the hand-off
// queue.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// Config controls Worker behavior.
type Config struct {
	// RunTimeout bounds a single run. Zero means no bound.
	RunTimeout time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker consumes hand-offs and runs them to completion.
type Worker struct {
	id     int
	queue  scrape.Queue
	runner scrape.Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue scrape.Queue, runner scrape.Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming hand-offs until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued hand-off", zap.String("attempt_id", job.AttemptID))
		w.processJob(ctx, job)
	}
}

// processJob runs detached from ctx so shutdown does not abandon a run
// midway.
func (w *Worker) processJob(ctx context.Context, job scrape.HandOff) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	runCtx := context.WithoutCancel(ctx)
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, w.cfg.RunTimeout)
		defer cancel()
	}

	logger := w.logger.With(zap.String("attempt_id", job.AttemptID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("deferred run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	result, err := w.runner.Run(runCtx, job)
	if err != nil || result == nil {
		logger.Error("deferred run failed", zap.Error(err))
		return
	}
	logger.Info("deferred run finished",
		zap.Int("total_items", result.TotalItems),
		zap.Int("successful_inserts", result.SuccessfulInserts),
		zap.Int("errors", len(result.Errors)),
	)
}
