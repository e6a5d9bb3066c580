// Package dispatcher manages worker fan-out over the hand-off queue and
// serves as the orchestrator's deferred executor.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/worker"
)

const defaultEnqueueTimeout = 2 * time.Second

type tryEnqueuer interface {
	TryEnqueue(job scrape.HandOff) error
}

type drainer interface {
	Drain() []scrape.HandOff
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue          scrape.Queue
	workers        []*worker.Worker
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

var _ scrape.DeferredExecutor = (*Dispatcher)(nil)

// New creates a Dispatcher. An empty worker set is valid when another
// process drains the queue.
func New(queue scrape.Queue, workers []*worker.Worker, enqueueTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = defaultEnqueueTimeout
	}
	return &Dispatcher{
		queue:          queue,
		workers:        workers,
		enqueueTimeout: enqueueTimeout,
		logger:         logger.Named("dispatcher"),
	}
}

// Queue returns the queue hand-offs are written to.
func (d *Dispatcher) Queue() scrape.Queue {
	return d.queue
}

// AddWorkers registers workers before Run. Workers usually wrap the
// orchestrator, which itself holds the dispatcher as its deferred executor.
func (d *Dispatcher) AddWorkers(workers ...*worker.Worker) {
	d.workers = append(d.workers, workers...)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Abandon empties an in-process queue after Run has returned, settling each
// leftover hand-off through a. Queues that keep messages outside the process
// are left alone. It returns how many hand-offs were abandoned.
func (d *Dispatcher) Abandon(ctx context.Context, a scrape.Abandoner, reason string) int {
	dq, ok := d.queue.(drainer)
	if !ok || a == nil {
		return 0
	}
	jobs := dq.Drain()
	for _, job := range jobs {
		a.Abandon(ctx, job, reason)
	}
	if len(jobs) > 0 {
		d.logger.Warn("abandoned queued hand-offs", zap.Int("count", len(jobs)), zap.String("reason", reason))
	}
	return len(jobs)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job scrape.HandOff) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// TrySchedule hands the job off without blocking the caller for longer than
// the enqueue timeout. It reports false when the queue refused the job.
func (d *Dispatcher) TrySchedule(ctx context.Context, job scrape.HandOff) (bool, error) {
	if tq, ok := d.queue.(tryEnqueuer); ok {
		if err := tq.TryEnqueue(job); err != nil {
			return false, fmt.Errorf("queue enqueue: %w", err)
		}
		d.logger.Debug("hand-off queued", zap.String("attempt_id", job.AttemptID))
		return true, nil
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(enqueueCtx, job); err != nil {
		return false, err
	}
	d.logger.Debug("hand-off queued", zap.String("attempt_id", job.AttemptID))
	return true, nil
}
