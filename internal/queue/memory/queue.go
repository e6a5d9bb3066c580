// Package memory provides an in-process hand-off queue for deferred runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = scrape.ErrQueueClosed

// ErrFull is returned by TryEnqueue when no capacity is left.
var ErrFull = errors.New("queue full")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan scrape.HandOff
	mu     sync.RWMutex
	closed bool
}

var _ scrape.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan scrape.HandOff, capacity),
	}
}

// Enqueue pushes a hand-off into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job scrape.HandOff) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// TryEnqueue pushes a hand-off only if capacity is available right now.
func (q *Queue) TryEnqueue(job scrape.HandOff) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next hand-off, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scrape.HandOff, error) {
	select {
	case <-ctx.Done():
		return scrape.HandOff{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return scrape.HandOff{}, ErrClosed
		}
		return job, nil
	}
}

// Len reports how many hand-offs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain removes and returns every hand-off still waiting without blocking.
func (q *Queue) Drain() []scrape.HandOff {
	var out []scrape.HandOff
	for {
		select {
		case job, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, job)
		default:
			return out
		}
	}
}

// Close stops accepting work. Items already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
