// Package queue defines the attachment job queue. Implementations deliver
// each job at least once; consumers acknowledge a delivery when handling
// finishes, whether it succeeded or not.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/cabinet/internal/entity"
)

// Job names understood by the attachment processor.
const (
	JobDownload = "download"
	JobDeletion = "deletion"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one unit of attachment work. Download jobs carry the raw
// descriptor, deletion jobs carry only the attachment id.
type Job struct {
	Name         string                `json:"name"`
	Attachment   *entity.RawAttachment `json:"attachment,omitempty"`
	AttachmentID string                `json:"attachmentId,omitempty"`
}

// DownloadJob builds a download job for a.
func DownloadJob(a entity.RawAttachment) Job {
	return Job{Name: JobDownload, Attachment: &a, AttachmentID: entity.AttachmentID(a)}
}

// DeletionJob builds a deletion job for the attachment id.
func DeletionJob(id string) Job {
	return Job{Name: JobDeletion, AttachmentID: id}
}

// Delivery is a dequeued job and its acknowledgement.
type Delivery struct {
	Job Job
	ack func()
}

// NewDelivery wraps job with an acknowledgement callback (which may be nil).
func NewDelivery(job Job, ack func()) Delivery {
	return Delivery{Job: job, ack: ack}
}

// Ack marks the delivery handled.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Queue moves attachment jobs from producers to workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueBulk(ctx context.Context, jobs []Job) error
	// Dequeue blocks until a job is available, ctx ends or the queue closes.
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
