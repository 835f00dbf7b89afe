package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/queue"
)

func TestEnqueueRoundTripsThroughTransport(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	q := newWithTransport(ft, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	raw := entity.RawAttachment{Name: "cat", Extension: ".png", Hash: "abc==", URL: "https://i.4cdn.org/g/1.png"}
	require.NoError(t, q.Enqueue(context.Background(), queue.DownloadJob(raw)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.JobDownload, d.Job.Name)
	assert.Equal(t, "abc==", d.Job.AttachmentID)
	require.NotNil(t, d.Job.Attachment)
	assert.Equal(t, raw.URL, d.Job.Attachment.URL)

	assert.EqualValues(t, 0, ft.acks.Load())
	d.Ack()
	assert.EqualValues(t, 1, ft.acks.Load())
}

func TestEnqueueBulkReportsFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.publishErr = errors.New("unavailable")
	q := newWithTransport(ft, zap.NewNop())

	err := q.EnqueueBulk(context.Background(), []queue.Job{queue.DeletionJob("a"), queue.DeletionJob("b")})
	require.ErrorContains(t, err, "unavailable")
}

func TestUndecodableMessagesAreAcked(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	q := newWithTransport(ft, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	ft.inbox <- []byte("{not json")
	require.NoError(t, q.Enqueue(context.Background(), queue.DeletionJob("ok")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", d.Job.AttachmentID)
	assert.EqualValues(t, 1, ft.acks.Load())
}

func TestCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	q := newWithTransport(ft, zap.NewNop())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after close")
	}
	assert.True(t, ft.closed.Load())
	assert.ErrorIs(t, q.Enqueue(context.Background(), queue.DeletionJob("late")), queue.ErrClosed)
}

type fakeTransport struct {
	inbox      chan []byte
	publishErr error
	acks       atomic.Int32
	nacks      atomic.Int32
	closed     atomic.Bool
	mu         sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) Publish(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.inbox <- data
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, fn func(context.Context, []byte, func(), func())) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-f.inbox:
			fn(ctx, data, func() { f.acks.Add(1) }, func() { f.nacks.Add(1) })
		}
	}
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}
