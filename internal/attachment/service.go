// Package attachment persists attachment rows and runs the download and
// deletion jobs that keep their files in the storage backend.
package attachment

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/queue"
	"github.com/JakeFAU/cabinet/internal/store"
)

// Service upserts attachment rows and schedules their jobs.
type Service struct {
	store  store.AttachmentStore
	queue  queue.Queue
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(st store.AttachmentStore, q queue.Queue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, queue: q, logger: logger.Named("attachment")}
}

// Record converts a raw attachment into its row.
func Record(raw entity.RawAttachment, watcherIDs []int64) store.AttachmentRecord {
	a := entity.Attachment{
		ID:        entity.AttachmentID(raw),
		Name:      html.UnescapeString(raw.Name),
		Size:      raw.Size,
		Width:     raw.Width,
		Height:    raw.Height,
		Hash:      raw.Hash,
		Extension: raw.Extension,
		Timestamp: raw.CreatedAt,
		// CreatedAt on the raw form is in microseconds.
		CreatedAt: time.Unix(raw.CreatedAt/1_000_000, 0).UTC(),
	}
	if raw.Thumbnail != nil {
		a.ThumbnailWidth = raw.Thumbnail.Width
		a.ThumbnailHeight = raw.Thumbnail.Height
	}
	return store.AttachmentRecord{Attachment: a, WatcherIDs: watcherIDs}
}

// Save upserts the row, connects the discovering watchers and enqueues a
// download job. The download itself happens asynchronously.
func (s *Service) Save(ctx context.Context, raw entity.RawAttachment, watcherIDs []int64) error {
	rec := Record(raw, watcherIDs)
	if err := s.store.UpsertAttachment(ctx, rec); err != nil {
		return fmt.Errorf("upsert attachment %s: %w", rec.ID, err)
	}
	if err := s.queue.Enqueue(ctx, queue.DownloadJob(raw)); err != nil {
		return fmt.Errorf("enqueue download %s: %w", rec.ID, err)
	}
	return nil
}

// CleanUp schedules deletion of the attachments and their files.
func (s *Service) CleanUp(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, queue.DeletionJob(id))
	}
	if err := s.queue.EnqueueBulk(ctx, jobs); err != nil {
		return fmt.Errorf("enqueue deletions: %w", err)
	}
	s.logger.Info("scheduled attachment deletions", zap.Int("count", len(ids)))
	return nil
}
