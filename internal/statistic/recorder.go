// Package statistic records periodic snapshots of the entity counts.
package statistic

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/config"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
)

// Store counts entities and keeps snapshots.
type Store interface {
	CountEntities(ctx context.Context) (entity.Statistic, error)
	InsertStatistic(ctx context.Context, stat entity.Statistic) error
}

// Clock supplies the snapshot timestamp.
type Clock interface {
	Now() time.Time
}

// Recorder takes a snapshot on a cron schedule.
type Recorder struct {
	store  Store
	clock  Clock
	logger *zap.Logger
	cron   *cron.Cron
}

// New creates a Recorder.
func New(st Store, clock Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: st, clock: clock, logger: logger.Named("statistic")}
}

// Record counts the stored entities and saves the snapshot.
func (r *Recorder) Record(ctx context.Context) (entity.Statistic, error) {
	stat, err := r.store.CountEntities(ctx)
	if err != nil {
		return entity.Statistic{}, fmt.Errorf("count entities: %w", err)
	}
	stat.CreatedAt = r.clock.Now()
	if err := r.store.InsertStatistic(ctx, stat); err != nil {
		return entity.Statistic{}, fmt.Errorf("insert statistic: %w", err)
	}
	metrics.SetEntityCounts(stat.ThreadCount, stat.PostCount, stat.AttachmentCount, stat.TotalSize)
	r.logger.Info("recorded statistics",
		zap.String("threads", humanize.Comma(stat.ThreadCount)),
		zap.String("posts", humanize.Comma(stat.PostCount)),
		zap.String("attachments", humanize.Comma(stat.AttachmentCount)),
		zap.String("size", humanize.Bytes(uint64(max(stat.TotalSize, 0)))),
	)
	return stat, nil
}

// Start schedules Record with spec. Call Stop to remove the schedule.
func (r *Recorder) Start(spec string) error {
	c := cron.New(cron.WithParser(config.CronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Record(context.Background()); err != nil {
			r.logger.Error("statistics snapshot failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule statistics %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop removes the schedule and waits for a running snapshot.
func (r *Recorder) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}
