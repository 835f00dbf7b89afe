package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/queue"
	"github.com/JakeFAU/cabinet/internal/queue/memory"
)

func TestWorkerProcessesAndAcks(t *testing.T) {
	t.Parallel()

	q := &ackQueue{jobs: []queue.Job{queue.DeletionJob("a"), queue.DeletionJob("b")}}
	p := &recordingProcessor{}
	w := New(0, q, p, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(p.seen()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"a", "b"}, p.seen())
	assert.Equal(t, 2, q.acked())
}

func TestWorkerReportsFailures(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), queue.DeletionJob("bad")))
	p := &recordingProcessor{err: errors.New("storage offline")}

	var mu sync.Mutex
	var failed []string
	hook := func(job queue.Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, job.AttachmentID+": "+err.Error())
	}
	w := New(1, q, p, hook, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
	assert.Equal(t, []string{"bad: storage offline"}, failed)
}

type recordingProcessor struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingProcessor) Process(_ context.Context, job queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, job.AttachmentID)
	return p.err
}

func (p *recordingProcessor) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

// ackQueue serves a fixed job list and counts acknowledgements.
type ackQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	acks int
}

func (q *ackQueue) Enqueue(context.Context, queue.Job) error       { return nil }
func (q *ackQueue) EnqueueBulk(context.Context, []queue.Job) error { return nil }
func (q *ackQueue) Close() error                                   { return nil }

func (q *ackQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return queue.NewDelivery(job, func() {
			q.mu.Lock()
			q.acks++
			q.mu.Unlock()
		}), nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return queue.Delivery{}, ctx.Err()
}

func (q *ackQueue) acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acks
}
