package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/cabinet/internal/entity"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ThreadRecord is a thread upsert together with its relation connects.
type ThreadRecord struct {
	entity.Thread
	WatcherIDs    []int64
	AttachmentIDs []string
}

// PostRecord is a post upsert together with its attachment connects.
type PostRecord struct {
	entity.Post
	AttachmentIDs []string
}

// AttachmentRecord is an attachment upsert. File location fields are left
// untouched on update; they belong to the download pipeline.
type AttachmentRecord struct {
	entity.Attachment
	WatcherIDs []int64
}

// BoardStore persists boards.
type BoardStore interface {
	UpsertBoards(ctx context.Context, boards []entity.RawBoard) error
}

// ThreadStore persists threads.
type ThreadStore interface {
	MarkAllThreadsArchived(ctx context.Context) error
	UpsertThread(ctx context.Context, record ThreadRecord) error
	DeleteThreads(ctx context.Context, ids []string) error
	// ListThreadGraph loads every thread with watchers, pins, posts and
	// attachments including reverse thread/post links.
	ListThreadGraph(ctx context.Context) ([]entity.ThreadNode, error)
}

// PostStore persists posts.
type PostStore interface {
	UpsertPost(ctx context.Context, record PostRecord) error
	DeletePosts(ctx context.Context, ids []string) error
}

// AttachmentStore persists attachment rows.
type AttachmentStore interface {
	UpsertAttachment(ctx context.Context, record AttachmentRecord) error
	GetAttachment(ctx context.Context, id string) (entity.Attachment, error)
	UpdateAttachmentFiles(ctx context.Context, id, fileURI, thumbnailURI, mime string) error
	DeleteAttachment(ctx context.Context, id string) error
}

// WatcherStore persists watchers, their pins and exclusions.
type WatcherStore interface {
	ListWatchers(ctx context.Context) ([]entity.Watcher, error)
	CreateWatcher(ctx context.Context, watcher entity.Watcher, threadIDs, attachmentIDs []string) (entity.Watcher, error)
	DeleteAllWatchers(ctx context.Context) error
	ListExcludedThreads(ctx context.Context) ([]entity.ExcludedThread, error)
	ExcludeThread(ctx context.Context, watcherID int64, threadID string) error
	ListWatcherThreads(ctx context.Context, watcherID int64) ([]entity.WatcherThread, error)
	CreateWatcherThread(ctx context.Context, watcherID int64, url string) (entity.WatcherThread, error)
	MarkWatcherThreadsArchived(ctx context.Context, ids []int64) error
	// ConnectWatcherThreads links pins to resolved threads and clears their
	// archived flag.
	ConnectWatcherThreads(ctx context.Context, resolved map[int64]string) error
}

// ActivityStore persists activity log records.
type ActivityStore interface {
	CreateActivity(ctx context.Context, activity entity.Activity) error
	FinishActivity(ctx context.Context, id string, outcome entity.ActivityOutcome) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]entity.ActivityRecord, error)
}

// ActivityFilter narrows ListActivities. An empty Type matches every type
// and a zero Limit returns everything.
type ActivityFilter struct {
	Type        string
	SuccessOnly bool
	Limit       int
}

// StatisticStore records periodic entity counts.
type StatisticStore interface {
	CountEntities(ctx context.Context) (entity.Statistic, error)
	InsertStatistic(ctx context.Context, stat entity.Statistic) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	BoardStore
	ThreadStore
	PostStore
	AttachmentStore
	WatcherStore
	ActivityStore
	StatisticStore
	Close()
}
