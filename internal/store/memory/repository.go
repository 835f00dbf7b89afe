// Package memory provides an in-memory Repository for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/store"
)

type set[K comparable] map[K]struct{}

func (s set[K]) add(values ...K) {
	for _, v := range values {
		s[v] = struct{}{}
	}
}

// Repository keeps the entity graph in maps guarded by a single lock.
type Repository struct {
	mu sync.RWMutex

	boards            map[string]entity.Board
	threads           map[string]entity.Thread
	threadWatchers    map[string]set[int64]
	threadAttachments map[string]set[string]
	posts             map[string]entity.Post
	postAttachments   map[string]set[string]
	attachments       map[string]entity.Attachment
	attachmentWatch   map[string]set[int64]
	watchers          map[int64]entity.Watcher
	pins              map[int64]entity.WatcherThread
	excluded          []entity.ExcludedThread
	activities        map[string]*entity.ActivityRecord
	activityOrder     []string
	statistics        []entity.Statistic

	nextWatcherID int64
	nextPinID     int64
}

var _ store.Repository = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		boards:            make(map[string]entity.Board),
		threads:           make(map[string]entity.Thread),
		threadWatchers:    make(map[string]set[int64]),
		threadAttachments: make(map[string]set[string]),
		posts:             make(map[string]entity.Post),
		postAttachments:   make(map[string]set[string]),
		attachments:       make(map[string]entity.Attachment),
		attachmentWatch:   make(map[string]set[int64]),
		watchers:          make(map[int64]entity.Watcher),
		pins:              make(map[int64]entity.WatcherThread),
		activities:        make(map[string]*entity.ActivityRecord),
	}
}

// Close is a no-op.
func (r *Repository) Close() {}

// UpsertBoards inserts or replaces boards by identity.
func (r *Repository) UpsertBoards(_ context.Context, boards []entity.RawBoard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range boards {
		id := entity.BoardID(b)
		r.boards[id] = entity.Board{ID: id, RawBoard: b}
	}
	return nil
}

// Board returns a board by id.
func (r *Repository) Board(id string) (entity.Board, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.boards[id]
	return b, ok
}

// MarkAllThreadsArchived flags every thread as archived.
func (r *Repository) MarkAllThreadsArchived(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.threads {
		t.IsArchived = true
		r.threads[id] = t
	}
	return nil
}

// UpsertThread inserts or updates a thread and unions its relations.
func (r *Repository) UpsertThread(_ context.Context, rec store.ThreadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boards[rec.BoardID]; !ok {
		return fmt.Errorf("upsert thread %s: board %s: %w", rec.ID, rec.BoardID, store.ErrNotFound)
	}
	for _, id := range rec.AttachmentIDs {
		if _, ok := r.attachments[id]; !ok {
			return fmt.Errorf("upsert thread %s: attachment %s: %w", rec.ID, id, store.ErrNotFound)
		}
	}
	r.threads[rec.ID] = rec.Thread
	if r.threadWatchers[rec.ID] == nil {
		r.threadWatchers[rec.ID] = set[int64]{}
	}
	r.threadWatchers[rec.ID].add(rec.WatcherIDs...)
	if r.threadAttachments[rec.ID] == nil {
		r.threadAttachments[rec.ID] = set[string]{}
	}
	r.threadAttachments[rec.ID].add(rec.AttachmentIDs...)
	return nil
}

// Thread returns a thread by id.
func (r *Repository) Thread(id string) (entity.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	return t, ok
}

// ThreadWatchers returns the sorted watcher ids connected to a thread.
func (r *Repository) ThreadWatchers(id string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedInts(r.threadWatchers[id])
}

// DeleteThreads removes threads and their relation rows.
func (r *Repository) DeleteThreads(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.threads, id)
		delete(r.threadWatchers, id)
		delete(r.threadAttachments, id)
		for pinID, pin := range r.pins {
			if pin.ThreadID == id {
				pin.ThreadID = ""
				r.pins[pinID] = pin
			}
		}
		kept := r.excluded[:0]
		for _, ex := range r.excluded {
			if ex.ThreadID != id {
				kept = append(kept, ex)
			}
		}
		r.excluded = kept
	}
	return nil
}

// ListThreadGraph loads every thread with its relations.
func (r *Repository) ListThreadGraph(_ context.Context) ([]entity.ThreadNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refThreads := map[string][]string{}
	for threadID, ids := range r.threadAttachments {
		for id := range ids {
			refThreads[id] = append(refThreads[id], threadID)
		}
	}
	refPosts := map[string][]string{}
	for postID, ids := range r.postAttachments {
		for id := range ids {
			refPosts[id] = append(refPosts[id], postID)
		}
	}
	ref := func(id string) entity.AttachmentRef {
		threads := append([]string(nil), refThreads[id]...)
		posts := append([]string(nil), refPosts[id]...)
		sort.Strings(threads)
		sort.Strings(posts)
		return entity.AttachmentRef{ID: id, ThreadIDs: threads, PostIDs: posts}
	}

	postsByThread := map[string][]entity.Post{}
	for _, p := range r.posts {
		postsByThread[p.ThreadID] = append(postsByThread[p.ThreadID], p)
	}

	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]entity.ThreadNode, 0, len(ids))
	for _, id := range ids {
		node := entity.ThreadNode{
			Thread:     r.threads[id],
			WatcherIDs: sortedInts(r.threadWatchers[id]),
		}
		for _, pin := range r.pins {
			if pin.ThreadID == id && !pin.IsArchived {
				node.ActivePins++
			}
		}
		for _, attID := range sortedStrings(r.threadAttachments[id]) {
			node.Attachments = append(node.Attachments, ref(attID))
		}
		posts := postsByThread[id]
		sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
		for _, p := range posts {
			pn := entity.PostNode{ID: p.ID}
			for _, attID := range sortedStrings(r.postAttachments[p.ID]) {
				pn.Attachments = append(pn.Attachments, ref(attID))
			}
			node.Posts = append(node.Posts, pn)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// UpsertPost inserts or updates a post and unions its attachments.
func (r *Repository) UpsertPost(_ context.Context, rec store.PostRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[rec.ThreadID]; !ok {
		return fmt.Errorf("upsert post %s: thread %s: %w", rec.ID, rec.ThreadID, store.ErrNotFound)
	}
	for _, id := range rec.AttachmentIDs {
		if _, ok := r.attachments[id]; !ok {
			return fmt.Errorf("upsert post %s: attachment %s: %w", rec.ID, id, store.ErrNotFound)
		}
	}
	r.posts[rec.ID] = rec.Post
	if r.postAttachments[rec.ID] == nil {
		r.postAttachments[rec.ID] = set[string]{}
	}
	r.postAttachments[rec.ID].add(rec.AttachmentIDs...)
	return nil
}

// Post returns a post by id.
func (r *Repository) Post(id string) (entity.Post, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.posts[id]
	return p, ok
}

// DeletePosts removes posts and their attachment links.
func (r *Repository) DeletePosts(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.posts, id)
		delete(r.postAttachments, id)
	}
	return nil
}

// UpsertAttachment inserts or updates an attachment, preserving file fields.
func (r *Repository) UpsertAttachment(_ context.Context, rec store.AttachmentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := rec.Attachment
	if prev, ok := r.attachments[rec.ID]; ok {
		next.FileURI = prev.FileURI
		next.ThumbnailFileURI = prev.ThumbnailFileURI
		next.Mime = prev.Mime
		next.Favorite = prev.Favorite
	}
	r.attachments[rec.ID] = next
	if r.attachmentWatch[rec.ID] == nil {
		r.attachmentWatch[rec.ID] = set[int64]{}
	}
	r.attachmentWatch[rec.ID].add(rec.WatcherIDs...)
	return nil
}

// AttachmentWatchers returns the sorted watcher ids connected to an attachment.
func (r *Repository) AttachmentWatchers(id string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedInts(r.attachmentWatch[id])
}

// GetAttachment returns an attachment or store.ErrNotFound.
func (r *Repository) GetAttachment(_ context.Context, id string) (entity.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attachments[id]
	if !ok {
		return entity.Attachment{}, store.ErrNotFound
	}
	return a, nil
}

// UpdateAttachmentFiles records where the downloaded files live.
func (r *Repository) UpdateAttachmentFiles(_ context.Context, id, fileURI, thumbnailURI, mime string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attachments[id]
	if !ok {
		return store.ErrNotFound
	}
	a.FileURI = fileURI
	a.ThumbnailFileURI = thumbnailURI
	a.Mime = mime
	r.attachments[id] = a
	return nil
}

// DeleteAttachment removes an attachment and every link to it.
func (r *Repository) DeleteAttachment(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attachments, id)
	delete(r.attachmentWatch, id)
	for _, ids := range r.threadAttachments {
		delete(ids, id)
	}
	for _, ids := range r.postAttachments {
		delete(ids, id)
	}
	return nil
}

// ListWatchers returns watchers ordered by id.
func (r *Repository) ListWatchers(_ context.Context) ([]entity.Watcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateWatcher inserts a watcher and connects the given threads and attachments.
func (r *Repository) CreateWatcher(
	_ context.Context,
	w entity.Watcher,
	threadIDs, attachmentIDs []string,
) (entity.Watcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.watchers {
		if existing.Name == w.Name {
			return entity.Watcher{}, fmt.Errorf("watcher %q already exists", w.Name)
		}
	}
	r.nextWatcherID++
	w.ID = r.nextWatcherID
	r.watchers[w.ID] = w
	for _, id := range threadIDs {
		if r.threadWatchers[id] == nil {
			r.threadWatchers[id] = set[int64]{}
		}
		r.threadWatchers[id].add(w.ID)
	}
	for _, id := range attachmentIDs {
		if r.attachmentWatch[id] == nil {
			r.attachmentWatch[id] = set[int64]{}
		}
		r.attachmentWatch[id].add(w.ID)
	}
	return w, nil
}

// DeleteAllWatchers removes every watcher with its pins, exclusions and links.
func (r *Repository) DeleteAllWatchers(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = make(map[int64]entity.Watcher)
	r.pins = make(map[int64]entity.WatcherThread)
	r.excluded = nil
	for id := range r.threadWatchers {
		r.threadWatchers[id] = set[int64]{}
	}
	for id := range r.attachmentWatch {
		r.attachmentWatch[id] = set[int64]{}
	}
	return nil
}

// ListExcludedThreads returns every exclusion.
func (r *Repository) ListExcludedThreads(_ context.Context) ([]entity.ExcludedThread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entity.ExcludedThread(nil), r.excluded...), nil
}

// ExcludeThread vetoes a thread for a watcher.
func (r *Repository) ExcludeThread(_ context.Context, watcherID int64, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ex := range r.excluded {
		if ex.WatcherID == watcherID && ex.ThreadID == threadID {
			return nil
		}
	}
	r.excluded = append(r.excluded, entity.ExcludedThread{WatcherID: watcherID, ThreadID: threadID})
	return nil
}

// ListWatcherThreads returns the pins of one watcher ordered by id.
func (r *Repository) ListWatcherThreads(_ context.Context, watcherID int64) ([]entity.WatcherThread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entity.WatcherThread
	for _, pin := range r.pins {
		if pin.WatcherID == watcherID {
			out = append(out, pin)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateWatcherThread pins a url to a watcher.
func (r *Repository) CreateWatcherThread(_ context.Context, watcherID int64, url string) (entity.WatcherThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[watcherID]; !ok {
		return entity.WatcherThread{}, store.ErrNotFound
	}
	r.nextPinID++
	pin := entity.WatcherThread{ID: r.nextPinID, URL: url, WatcherID: watcherID}
	r.pins[pin.ID] = pin
	return pin, nil
}

// MarkWatcherThreadsArchived flags pins as archived.
func (r *Repository) MarkWatcherThreadsArchived(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if pin, ok := r.pins[id]; ok {
			pin.IsArchived = true
			r.pins[id] = pin
		}
	}
	return nil
}

// ConnectWatcherThreads links pins to resolved threads.
func (r *Repository) ConnectWatcherThreads(_ context.Context, resolved map[int64]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pinID, threadID := range resolved {
		pin, ok := r.pins[pinID]
		if !ok {
			continue
		}
		pin.ThreadID = threadID
		pin.IsArchived = false
		r.pins[pinID] = pin
	}
	return nil
}

// CreateActivity stores an open activity.
func (r *Repository) CreateActivity(_ context.Context, a entity.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[a.ID] = &entity.ActivityRecord{Activity: a}
	r.activityOrder = append(r.activityOrder, a.ID)
	return nil
}

// FinishActivity attaches an outcome to an activity.
func (r *Repository) FinishActivity(_ context.Context, id string, outcome entity.ActivityOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.activities[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Outcome = &outcome
	return nil
}

// ListActivities returns the newest matching activities first.
func (r *Repository) ListActivities(_ context.Context, filter store.ActivityFilter) ([]entity.ActivityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entity.ActivityRecord
	for i := len(r.activityOrder) - 1; i >= 0; i-- {
		rec := r.activities[r.activityOrder[i]]
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.SuccessOnly && (rec.Outcome == nil || !rec.Outcome.IsSuccess) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// CountEntities returns the current thread, post and attachment totals.
func (r *Repository) CountEntities(_ context.Context) (entity.Statistic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stat := entity.Statistic{
		ThreadCount:     int64(len(r.threads)),
		PostCount:       int64(len(r.posts)),
		AttachmentCount: int64(len(r.attachments)),
	}
	for _, a := range r.attachments {
		stat.TotalSize += a.Size
	}
	return stat, nil
}

// InsertStatistic appends a snapshot.
func (r *Repository) InsertStatistic(_ context.Context, stat entity.Statistic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statistics = append(r.statistics, stat)
	return nil
}

// Statistics returns recorded snapshots in insertion order.
func (r *Repository) Statistics() []entity.Statistic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entity.Statistic(nil), r.statistics...)
}

func sortedInts(s set[int64]) []int64 {
	out := make([]int64, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedStrings(s set[string]) []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
