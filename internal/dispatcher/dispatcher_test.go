package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/queue"
	"github.com/JakeFAU/cabinet/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers drain the queue and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	p := &countingProcessor{}
	dispatch := NewPool(q, p, 3, nil, zap.NewNop())
	assert.Equal(t, 3, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(context.Background(), queue.DeletionJob(id)))
	}
	require.Eventually(t, func() bool { return p.n.Load() == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestNewPoolClampsConcurrency(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, NewPool(memory.NewQueue(), &countingProcessor{}, 0, nil, nil).Size())
}

type countingProcessor struct {
	n atomic.Int32
}

func (p *countingProcessor) Process(context.Context, queue.Job) error {
	p.n.Add(1)
	return nil
}
