// Package pubsub implements the job queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cabinet/internal/queue"
)

// Config names the topic jobs are published to and the subscription
// workers pull from.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// transport is the Pub/Sub surface the queue uses.
type transport interface {
	Publish(ctx context.Context, data []byte) error
	// Receive calls fn for every message until ctx ends.
	Receive(ctx context.Context, fn func(ctx context.Context, data []byte, ack, nack func())) error
	Close() error
}

// Queue publishes jobs as JSON messages and hands received messages to
// Dequeue callers. A message is acknowledged once its delivery is acked.
type Queue struct {
	transport  transport
	logger     *zap.Logger
	deliveries chan queue.Delivery

	startOnce sync.Once
	recvCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// New connects to Pub/Sub using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("queue.pubsub requires project_id, topic and subscription")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	subscriber := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return newWithTransport(&clientTransport{
		client:     client,
		publisher:  client.Publisher(cfg.Topic),
		subscriber: subscriber,
	}, logger), nil
}

func newWithTransport(t transport, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	recvCtx, stop := context.WithCancel(context.Background())
	return &Queue{
		transport:  t,
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan queue.Delivery),
		recvCtx:    recvCtx,
		stop:       stop,
		closed:     make(chan struct{}),
	}
}

// Enqueue publishes one job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	select {
	case <-q.closed:
		return queue.ErrClosed
	default:
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.transport.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// EnqueueBulk publishes jobs concurrently and returns the first failure.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []queue.Job) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			return q.Enqueue(gctx, job)
		})
	}
	return g.Wait()
}

// Dequeue returns the next received job. The first call starts the
// subscription.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.closed:
		return queue.Delivery{}, queue.ErrClosed
	case d := <-q.deliveries:
		return d, nil
	}
}

func (q *Queue) startReceiving() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.transport.Receive(q.recvCtx, q.handle)
		if err != nil && q.recvCtx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

func (q *Queue) handle(ctx context.Context, data []byte, ack, nack func()) {
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.logger.Error("dropping undecodable job", zap.Error(err), zap.ByteString("data", data))
		ack()
		return
	}
	select {
	case q.deliveries <- queue.NewDelivery(job, ack):
	case <-ctx.Done():
		nack()
	case <-q.closed:
		nack()
	}
}

// Close stops receiving and releases the client.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.stop()
		q.wg.Wait()
		err = q.transport.Close()
	})
	return err
}

type clientTransport struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
}

func (t *clientTransport) Publish(ctx context.Context, data []byte) error {
	result := t.publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (t *clientTransport) Receive(ctx context.Context, fn func(context.Context, []byte, func(), func())) error {
	return t.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		fn(ctx, msg.Data, msg.Ack, msg.Nack)
	})
}

func (t *clientTransport) Close() error {
	t.publisher.Stop()
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
