// Package worker implements the attachment job consumption loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/metrics"
	"github.com/JakeFAU/cabinet/internal/queue"
)

// Processor handles one job.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// FailedHook is called with every job whose processing returned an error.
type FailedHook func(job queue.Job, err error)

// Worker consumes queue deliveries and hands them to the processor.
type Worker struct {
	id        int
	queue     queue.Queue
	processor Processor
	failed    FailedHook
	logger    *zap.Logger
}

// New constructs a Worker. A nil hook only logs failures.
func New(id int, q queue.Queue, p Processor, failed FailedHook, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     q,
		processor: p,
		failed:    failed,
		logger:    logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		// A started job runs to completion even when shutdown begins.
		w.process(context.WithoutCancel(ctx), d)
	}
}

func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer d.Ack()

	job := d.Job
	w.logger.Debug("dequeued job", zap.String("job", job.Name), zap.String("attachment_id", job.AttachmentID))
	if err := w.processor.Process(ctx, job); err != nil {
		metrics.ObserveAttachmentJob(job.Name, "failed")
		w.logger.Error("job failed",
			zap.String("job", job.Name),
			zap.String("attachment_id", job.AttachmentID),
			zap.Error(err),
		)
		if w.failed != nil {
			w.failed(job, err)
		}
		return
	}
	metrics.ObserveAttachmentJob(job.Name, "completed")
}
