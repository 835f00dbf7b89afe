// Package memory provides an in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/cabinet/internal/queue"
)

// Queue is an unbounded FIFO with context-aware operations. Jobs do not
// survive a restart.
type Queue struct {
	mu     sync.Mutex
	items  []queue.Job
	notify chan struct{}
	done   chan struct{}
	closed bool
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends a job.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	return q.EnqueueBulk(ctx, []queue.Job{job})
}

// EnqueueBulk appends jobs in order.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []queue.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	q.items = append(q.items, jobs...)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = queue.Job{}
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return queue.NewDelivery(job, nil), nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return queue.Delivery{}, queue.ErrClosed
		}

		select {
		case <-ctx.Done():
			return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting jobs. Pending jobs can still be dequeued.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
