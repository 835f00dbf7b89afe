// Package collector removes threads, posts and attachments that no watcher
// needs anymore.
package collector

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
)

// Store is the persistence surface the collector reads and prunes.
type Store interface {
	ListThreadGraph(ctx context.Context) ([]entity.ThreadNode, error)
	ListExcludedThreads(ctx context.Context) ([]entity.ExcludedThread, error)
	DeletePosts(ctx context.Context, ids []string) error
	DeleteThreads(ctx context.Context, ids []string) error
}

// Cleaner schedules attachment removal.
type Cleaner interface {
	CleanUp(ctx context.Context, attachmentIDs []string) error
}

// Report counts what a run removed.
type Report struct {
	Threads     int
	Posts       int
	Attachments int
}

// Collector finds and deletes obsolete entities.
type Collector struct {
	store   Store
	cleaner Cleaner
	logger  *zap.Logger
}

// New creates a Collector.
func New(st Store, cleaner Cleaner, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: st, cleaner: cleaner, logger: logger.Named("collector")}
}

// Run deletes obsolete posts, then threads, and enqueues deletion of
// attachments nothing else references. Attachment removal is not awaited.
func (c *Collector) Run(ctx context.Context, matchers []crawler.Matcher) (Report, error) {
	c.logger.Info("collecting obsolete entities")

	graph, err := c.store.ListThreadGraph(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list thread graph: %w", err)
	}
	excluded, err := c.store.ListExcludedThreads(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list excluded threads: %w", err)
	}

	plan := Plan(graph, excluded, matchers)
	if len(plan.ThreadIDs) == 0 && len(plan.AttachmentIDs) == 0 {
		c.logger.Info("no obsolete entities found")
		return Report{}, nil
	}

	if len(plan.PostIDs) > 0 {
		if err := c.store.DeletePosts(ctx, plan.PostIDs); err != nil {
			return Report{}, fmt.Errorf("delete posts: %w", err)
		}
	}
	if len(plan.ThreadIDs) > 0 {
		if err := c.store.DeleteThreads(ctx, plan.ThreadIDs); err != nil {
			return Report{}, fmt.Errorf("delete threads: %w", err)
		}
	}
	if len(plan.AttachmentIDs) > 0 {
		if err := c.cleaner.CleanUp(ctx, plan.AttachmentIDs); err != nil {
			return Report{}, fmt.Errorf("enqueue attachment deletion: %w", err)
		}
	}

	report := Report{
		Threads:     len(plan.ThreadIDs),
		Posts:       len(plan.PostIDs),
		Attachments: len(plan.AttachmentIDs),
	}
	metrics.ObserveCollected("threads", report.Threads)
	metrics.ObserveCollected("posts", report.Posts)
	metrics.ObserveCollected("attachments", report.Attachments)
	c.logger.Info("obsolete entities collected",
		zap.Int("threads", report.Threads),
		zap.Int("posts", report.Posts),
		zap.Int("attachments", report.Attachments),
	)
	return report, nil
}

// Deletion lists the ids a run removes.
type Deletion struct {
	ThreadIDs     []string
	PostIDs       []string
	AttachmentIDs []string
}

// Plan decides which entities of graph are obsolete.
//
// A thread is obsolete when every watcher it belongs to has excluded it,
// which holds for a thread no watcher owns. A thread not seen this cycle
// is also obsolete once it has no live pin and no matcher accepts it.
// An attachment is obsolete when every thread and post that
// references it is obsolete.
func Plan(graph []entity.ThreadNode, excluded []entity.ExcludedThread, matchers []crawler.Matcher) Deletion {
	excludedBy := make(map[string][]int64)
	for _, e := range excluded {
		excludedBy[e.ThreadID] = append(excludedBy[e.ThreadID], e.WatcherID)
	}

	var plan Deletion
	obsoleteThreads := make(map[string]bool)
	obsoletePosts := make(map[string]bool)
	var candidates []entity.AttachmentRef
	for _, node := range graph {
		if !isObsolete(node, excludedBy[node.ID], matchers) {
			continue
		}
		obsoleteThreads[node.ID] = true
		plan.ThreadIDs = append(plan.ThreadIDs, node.ID)
		candidates = append(candidates, node.Attachments...)
		for _, p := range node.Posts {
			obsoletePosts[p.ID] = true
			plan.PostIDs = append(plan.PostIDs, p.ID)
			candidates = append(candidates, p.Attachments...)
		}
	}

	seen := make(map[string]bool)
	for _, a := range candidates {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		if allIn(a.ThreadIDs, obsoleteThreads) && allIn(a.PostIDs, obsoletePosts) {
			plan.AttachmentIDs = append(plan.AttachmentIDs, a.ID)
		}
	}
	return plan
}

func isObsolete(node entity.ThreadNode, excludedBy []int64, matchers []crawler.Matcher) bool {
	if allExcluded(node.WatcherIDs, excludedBy) {
		return true
	}
	if !node.IsArchived || node.ActivePins > 0 {
		return false
	}
	target := node.MatchTarget()
	for _, m := range matchers {
		if m.Matches(target) {
			return false
		}
	}
	return true
}

func allExcluded(watchers, excludedBy []int64) bool {
	for _, w := range watchers {
		if !slices.Contains(excludedBy, w) {
			return false
		}
	}
	return true
}

func allIn(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if !set[id] {
			return false
		}
	}
	return true
}
