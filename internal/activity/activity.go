// Package activity records the start and outcome of crawl cycles and
// attachment downloads.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
	"github.com/JakeFAU/cabinet/internal/store"
)

// statsWindow is how many recent successful crawling activities Stats looks at.
const statsWindow = 30

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces activity ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Sink receives activity lifecycle events.
type Sink interface {
	Started(ctx context.Context, a entity.Activity) error
	Finished(ctx context.Context, a entity.Activity, outcome entity.ActivityOutcome) error
}

// Log fans activity events out to its sinks.
type Log struct {
	clock Clock
	ids   IDGenerator
	sinks []Sink
}

// New builds a Log.
func New(clock Clock, ids IDGenerator, sinks ...Sink) *Log {
	return &Log{clock: clock, ids: ids, sinks: sinks}
}

// Start opens an activity of the given type.
func (l *Log) Start(ctx context.Context, activityType string) (entity.Activity, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return entity.Activity{}, fmt.Errorf("start activity: %w", err)
	}
	a := entity.Activity{ID: id, Type: activityType, StartTime: l.clock.Now()}
	var errs []error
	for _, s := range l.sinks {
		if err := s.Started(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return a, fmt.Errorf("start activity %s: %w", activityType, err)
	}
	return a, nil
}

// Finish closes a. A zero EndTime is stamped with the current time.
func (l *Log) Finish(ctx context.Context, a entity.Activity, outcome entity.ActivityOutcome) error {
	if outcome.EndTime.IsZero() {
		outcome.EndTime = l.clock.Now()
	}
	var errs []error
	for _, s := range l.sinks {
		if err := s.Finished(ctx, a, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("finish activity %s: %w", a.ID, err)
	}
	return nil
}

// Kind strips the per-item suffix from an activity type, so
// "attachment-download:abc" becomes "attachment-download".
func Kind(activityType string) string {
	kind, _, _ := strings.Cut(activityType, ":")
	return kind
}

// StoreSink persists activities.
type StoreSink struct {
	Store store.ActivityStore
}

// Started implements Sink.
func (s StoreSink) Started(ctx context.Context, a entity.Activity) error {
	if err := s.Store.CreateActivity(ctx, a); err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

// Finished implements Sink.
func (s StoreSink) Finished(ctx context.Context, a entity.Activity, outcome entity.ActivityOutcome) error {
	if err := s.Store.FinishActivity(ctx, a.ID, outcome); err != nil {
		return fmt.Errorf("finish activity: %w", err)
	}
	return nil
}

// LogSink writes activities to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// Started implements Sink.
func (s LogSink) Started(_ context.Context, a entity.Activity) error {
	s.Logger.Debug("started activity", zap.String("type", a.Type), zap.String("id", a.ID))
	return nil
}

// Finished implements Sink.
func (s LogSink) Finished(_ context.Context, a entity.Activity, outcome entity.ActivityOutcome) error {
	fields := []zap.Field{
		zap.String("type", a.Type),
		zap.String("id", a.ID),
		zap.Bool("success", outcome.IsSuccess),
		zap.Duration("duration", outcome.EndTime.Sub(a.StartTime)),
	}
	if outcome.IsSuccess {
		s.Logger.Info("finished activity", fields...)
		return nil
	}
	s.Logger.Warn("finished activity", append(fields, zap.String("error", outcome.ErrorMessage))...)
	return nil
}

// MetricsSink counts finished activities by kind and result.
type MetricsSink struct{}

// Started implements Sink.
func (MetricsSink) Started(context.Context, entity.Activity) error { return nil }

// Finished implements Sink.
func (MetricsSink) Finished(_ context.Context, a entity.Activity, outcome entity.ActivityOutcome) error {
	metrics.ObserveActivity(Kind(a.Type), outcome.IsSuccess)
	return nil
}

// Stats averages the results of the most recent successful crawling
// activities.
func Stats(ctx context.Context, activities store.ActivityStore) (entity.CrawlingStatistics, error) {
	records, err := activities.ListActivities(ctx, store.ActivityFilter{
		Type:        entity.ActivityCrawling,
		SuccessOnly: true,
		Limit:       statsWindow,
	})
	if err != nil {
		return entity.CrawlingStatistics{}, fmt.Errorf("list crawling activities: %w", err)
	}
	var stats entity.CrawlingStatistics
	var threads, posts, attachments int
	for _, rec := range records {
		if rec.Outcome == nil || !rec.Outcome.IsSuccess {
			continue
		}
		stats.TotalLogs++
		if r := rec.Outcome.CrawlingResult; r != nil {
			threads += r.ThreadsCreated
			posts += r.PostsCreated
			attachments += r.AttachmentsCreated
		}
	}
	if stats.TotalLogs > 0 {
		n := float64(stats.TotalLogs)
		stats.AvgThreadsPerRun = float64(threads) / n
		stats.AvgPostsPerRun = float64(posts) / n
		stats.AvgAttachmentsPerRun = float64(attachments) / n
	}
	return stats, nil
}
