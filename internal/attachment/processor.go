package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
	"github.com/JakeFAU/cabinet/internal/queue"
	"github.com/JakeFAU/cabinet/internal/storage"
	"github.com/JakeFAU/cabinet/internal/store"
)

// Settings are the hot-reloadable knobs of the processor.
type Settings struct {
	// DownloadDelay paces successful downloads.
	DownloadDelay time.Duration
	// FailoverDelay is waited before retrying a rate-limited download.
	FailoverDelay time.Duration
	// HashCheck compares the stored file's hash with the recorded one.
	HashCheck bool
}

// Clock supplies time and pacing sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// ActivityLog records download activities.
type ActivityLog interface {
	Start(ctx context.Context, activityType string) (entity.Activity, error)
	Finish(ctx context.Context, a entity.Activity, outcome entity.ActivityOutcome) error
}

// Processor executes download and deletion jobs.
type Processor struct {
	store      store.AttachmentStore
	backend    storage.Backend
	activities ActivityLog
	clock      Clock
	logger     *zap.Logger
	settings   atomic.Pointer[Settings]
}

// NewProcessor constructs a Processor.
func NewProcessor(
	st store.AttachmentStore,
	backend storage.Backend,
	activities ActivityLog,
	clock Clock,
	settings Settings,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		store:      st,
		backend:    backend,
		activities: activities,
		clock:      clock,
		logger:     logger.Named("attachment_processor"),
	}
	p.UpdateSettings(settings)
	return p
}

// UpdateSettings swaps the settings used by jobs that start afterwards.
func (p *Processor) UpdateSettings(s Settings) {
	p.settings.Store(&s)
}

// Settings returns the current settings.
func (p *Processor) Settings() Settings {
	return *p.settings.Load()
}

// Process routes a job by name.
func (p *Processor) Process(ctx context.Context, job queue.Job) error {
	switch job.Name {
	case queue.JobDownload:
		if job.Attachment == nil {
			return fmt.Errorf("download job without attachment")
		}
		return p.download(ctx, *job.Attachment)
	case queue.JobDeletion:
		return p.delete(ctx, job.AttachmentID)
	default:
		return fmt.Errorf("unsupported job: %s", job.Name)
	}
}

// ShouldDownload reports whether the files recorded for raw are missing
// or stale.
func (p *Processor) ShouldDownload(ctx context.Context, raw entity.RawAttachment) (bool, error) {
	row, err := p.store.GetAttachment(ctx, entity.AttachmentID(raw))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("get attachment: %w", err)
	}

	if raw.Thumbnail != nil && raw.Thumbnail.URL != "" {
		if row.ThumbnailFileURI == "" {
			return true, nil
		}
		ok, err := p.backend.Exists(ctx, row.ThumbnailFileURI)
		if err != nil {
			return false, fmt.Errorf("check thumbnail: %w", err)
		}
		if !ok {
			return true, nil
		}
	}

	if row.FileURI == "" {
		return true, nil
	}
	ok, err := p.backend.Exists(ctx, row.FileURI)
	if err != nil {
		return false, fmt.Errorf("check file: %w", err)
	}
	if !ok {
		return true, nil
	}

	if p.Settings().HashCheck {
		// Without a recorded hash the stored file is trusted.
		if row.Hash == "" {
			return false, nil
		}
		sum, err := p.backend.Hash(ctx, row.FileURI)
		if err != nil {
			return false, fmt.Errorf("hash file: %w", err)
		}
		if sum != row.Hash {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) download(ctx context.Context, raw entity.RawAttachment) error {
	id := entity.AttachmentID(raw)
	logger := p.logger.With(
		zap.String("attachment_id", id),
		zap.String("file", storage.FileName(raw)),
		zap.String("size", humanize.IBytes(uint64(max(raw.Size, 0)))),
	)

	should, err := p.ShouldDownload(ctx, raw)
	if err != nil {
		return err
	}
	if !should {
		metrics.ObserveAttachmentJob(queue.JobDownload, "skipped")
		return nil
	}

	act, err := p.activities.Start(ctx, entity.ActivityAttachmentDownload+":"+id)
	if err != nil {
		return err
	}
	started := p.clock.Now()
	result := entity.AttachmentDownloadResult{
		AttachmentID: id,
		Name:         raw.Name,
		Width:        raw.Width,
		Height:       raw.Height,
		Extension:    raw.Extension,
		FileSize:     raw.Size,
	}

	for {
		saved, err := p.backend.Save(ctx, raw)
		if err == nil {
			err = p.store.UpdateAttachmentFiles(ctx, id, saved.FileURI, saved.ThumbnailURI, saved.Mime)
		}
		if err == nil {
			result.MimeType = saved.Mime
			result.FileURI = saved.FileURI
			result.ThumbnailGenerated = saved.ThumbnailURI != ""
			result.DownloadDurationMs = p.clock.Now().Sub(started).Milliseconds()
			metrics.ObserveAttachmentBytes(raw.Size)
			logger.Info("downloaded attachment", zap.Int("retries", result.RetryCount))
			if err := p.activities.Finish(ctx, act, entity.ActivityOutcome{IsSuccess: true, DownloadResult: &result}); err != nil {
				return err
			}
			return p.clock.Sleep(ctx, p.Settings().DownloadDelay)
		}

		if storage.StatusCode(err) == http.StatusTooManyRequests {
			result.RetryCount++
			logger.Warn("download rate limited, retrying",
				zap.Int("retry_count", result.RetryCount),
				zap.Error(err),
			)
			if err := p.clock.Sleep(ctx, p.Settings().FailoverDelay); err != nil {
				return p.fail(ctx, act, result, started, err)
			}
			continue
		}
		return p.fail(ctx, act, result, started, err)
	}
}

func (p *Processor) fail(
	ctx context.Context,
	act entity.Activity,
	result entity.AttachmentDownloadResult,
	started time.Time,
	cause error,
) error {
	result.DownloadDurationMs = p.clock.Now().Sub(started).Milliseconds()
	result.HTTPStatusCode = storage.StatusCode(cause)
	outcome := entity.ActivityOutcome{ErrorMessage: cause.Error(), DownloadResult: &result}
	if err := p.activities.Finish(ctx, act, outcome); err != nil {
		p.logger.Warn("record failed download", zap.String("attachment_id", result.AttachmentID), zap.Error(err))
	}
	return fmt.Errorf("download attachment %s: %w", result.AttachmentID, cause)
}

func (p *Processor) delete(ctx context.Context, id string) error {
	row, err := p.store.GetAttachment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get attachment %s: %w", id, err)
	}
	if err := p.backend.Delete(ctx, storage.Location{FileURI: row.FileURI, ThumbnailURI: row.ThumbnailFileURI}); err != nil {
		return fmt.Errorf("delete files of %s: %w", id, err)
	}
	if err := p.store.DeleteAttachment(ctx, id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	p.logger.Info("deleted attachment", zap.String("attachment_id", id))
	return nil
}
