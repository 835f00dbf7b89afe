package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/cabinet/internal/collector"
	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
	"github.com/JakeFAU/cabinet/internal/store"
)

// Summary describes a finished crawl cycle.
type Summary struct {
	Boards      int
	Threads     int
	Posts       int
	Attachments int
	Watchers    []entity.WatcherResult
	Collected   collector.Report
	Duration    time.Duration
}

// Result converts the summary into the activity payload.
func (s Summary) Result() *entity.CrawlingResult {
	return &entity.CrawlingResult{
		ThreadsCreated:     s.Threads,
		PostsCreated:       s.Posts,
		AttachmentsCreated: s.Attachments,
		BoardsProcessed:    s.Boards,
		WatcherResults:     s.Watchers,
	}
}

func (o *Orchestrator) run(ctx context.Context, crawlers []crawler.Crawler, s Settings) (Summary, error) {
	start := o.deps.Clock.Now()
	if err := o.deps.Store.MarkAllThreadsArchived(ctx); err != nil {
		metrics.ObserveCycle("failure", o.deps.Clock.Now().Sub(start))
		return Summary{}, fmt.Errorf("mark threads archived: %w", err)
	}
	act, err := o.deps.Activities.Start(ctx, entity.ActivityCrawling)
	if err != nil {
		metrics.ObserveCycle("failure", o.deps.Clock.Now().Sub(start))
		return Summary{}, err
	}

	summary, err := o.crawl(ctx, crawlers, s)
	summary.Duration = o.deps.Clock.Now().Sub(start)
	if err != nil {
		metrics.ObserveCycle("failure", summary.Duration)
		outcome := entity.ActivityOutcome{IsSuccess: false, ErrorMessage: err.Error()}
		if ferr := o.deps.Activities.Finish(ctx, act, outcome); ferr != nil {
			o.logger.Warn("could not record failed crawl", zap.Error(ferr))
		}
		return Summary{}, err
	}

	metrics.ObserveCycle("success", summary.Duration)
	outcome := entity.ActivityOutcome{IsSuccess: true, CrawlingResult: summary.Result()}
	if err := o.deps.Activities.Finish(ctx, act, outcome); err != nil {
		return summary, err
	}
	return summary, nil
}

type watchOutcome struct {
	crawler crawler.Crawler
	pins    []entity.WatcherThread
	result  crawler.Result
	status  entity.WatcherResult
}

func (o *Orchestrator) crawl(ctx context.Context, crawlers []crawler.Crawler, s Settings) (Summary, error) {
	excluded, err := o.deps.Store.ListExcludedThreads(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list excluded threads: %w", err)
	}
	excludedBy := map[int64][]string{}
	for _, e := range excluded {
		excludedBy[e.WatcherID] = append(excludedBy[e.WatcherID], e.ThreadID)
	}

	outcomes := make([]watchOutcome, len(crawlers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for i, c := range crawlers {
		g.Go(func() error {
			out, err := o.watch(gctx, c, excludedBy[c.Watcher().ID])
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	f := newFold()
	var statuses []entity.WatcherResult
	for _, out := range outcomes {
		statuses = append(statuses, out.status)
		if out.status.IsSuccessful {
			f.add(out.crawler.Watcher().ID, out.pins, out.result)
		}
	}

	summary, err := o.persist(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	summary.Watchers = statuses
	o.logger.Info("crawl cycle finished",
		zap.String("boards", humanize.Comma(int64(summary.Boards))),
		zap.String("threads", humanize.Comma(int64(summary.Threads))),
		zap.String("posts", humanize.Comma(int64(summary.Posts))),
		zap.String("attachments", humanize.Comma(int64(summary.Attachments))),
	)

	if s.DeleteObsolete && o.deps.Collector != nil {
		matchers := make([]crawler.Matcher, 0, len(crawlers))
		for _, c := range crawlers {
			matchers = append(matchers, c)
		}
		report, err := o.deps.Collector.Run(ctx, matchers)
		if err != nil {
			return Summary{}, fmt.Errorf("collect obsolete entities: %w", err)
		}
		summary.Collected = report
	}
	return summary, nil
}

// watch runs one crawler. Crawler failures are reported in the outcome;
// only store failures are returned.
func (o *Orchestrator) watch(ctx context.Context, c crawler.Crawler, excluded []string) (watchOutcome, error) {
	w := c.Watcher()
	out := watchOutcome{crawler: c, status: entity.WatcherResult{WatcherName: w.Name}}
	pins, err := o.deps.Store.ListWatcherThreads(ctx, w.ID)
	if err != nil {
		return out, fmt.Errorf("list pinned threads of %q: %w", w.Name, err)
	}
	out.pins = pins

	result, err := c.Watch(ctx, pins, excluded)
	if err != nil {
		metrics.ObserveWatcher(w.Name, "failure")
		o.logger.Warn("watcher failed", zap.String("watcher", w.Name), zap.Error(err))
		out.status.ErrorMessage = err.Error()
		return out, nil
	}
	metrics.ObserveWatcher(w.Name, "success")
	out.result = result
	out.status.IsSuccessful = true
	out.status.ThreadsFound = len(result.Threads)
	out.status.PostsFound = len(result.Posts)
	out.status.AttachmentsFound = result.AttachmentCount()
	return out, nil
}

// fold merges watcher results by identity, in crawler order. Scalars of a
// later watcher overwrite earlier ones; watcher sets are unioned.
type fold struct {
	boardOrder  []string
	boards      map[string]entity.RawBoard
	threadOrder []string
	threads     map[string]*threadAcc
	postOrder   []string
	posts       map[string]*postAcc
	attachments map[string][]int64
	resolutions map[int64]string
	fetchedPins []entity.WatcherThread
}

type threadAcc struct {
	raw      entity.RawThread
	watchers []int64
	posts    []string
	bumped   int64
}

type postAcc struct {
	raw entity.RawPost
}

func newFold() *fold {
	return &fold{
		boards:      map[string]entity.RawBoard{},
		threads:     map[string]*threadAcc{},
		posts:       map[string]*postAcc{},
		attachments: map[string][]int64{},
		resolutions: map[int64]string{},
	}
}

func union(ids []int64, id int64) []int64 {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func (f *fold) add(watcherID int64, pins []entity.WatcherThread, r crawler.Result) {
	f.fetchedPins = append(f.fetchedPins, pins...)
	for pinID, threadID := range r.PinResolutions {
		f.resolutions[pinID] = threadID
	}
	for _, b := range r.Boards {
		id := entity.BoardID(b)
		if _, ok := f.boards[id]; !ok {
			f.boardOrder = append(f.boardOrder, id)
		}
		f.boards[id] = b
	}
	for _, t := range r.Threads {
		id := entity.ThreadID(t)
		acc, ok := f.threads[id]
		if !ok {
			acc = &threadAcc{}
			f.threads[id] = acc
			f.threadOrder = append(f.threadOrder, id)
		}
		acc.raw = t
		acc.watchers = union(acc.watchers, watcherID)
		for _, a := range t.Attachments {
			aid := entity.AttachmentID(a)
			f.attachments[aid] = union(f.attachments[aid], watcherID)
		}
	}
	for _, p := range r.Posts {
		id := entity.PostID(p)
		acc, ok := f.posts[id]
		if !ok {
			acc = &postAcc{}
			f.posts[id] = acc
			f.postOrder = append(f.postOrder, id)
			if t := f.threads[entity.ThreadID(p.Thread)]; t != nil {
				t.posts = append(t.posts, id)
			}
		}
		acc.raw = p
		if t := f.threads[entity.ThreadID(p.Thread)]; t != nil && p.CreatedAt > t.bumped {
			t.bumped = p.CreatedAt
		}
		for _, a := range p.Attachments {
			aid := entity.AttachmentID(a)
			f.attachments[aid] = union(f.attachments[aid], watcherID)
		}
	}
}

func attachmentIDs(atts []entity.RawAttachment) []string {
	ids := make([]string, 0, len(atts))
	for _, a := range atts {
		id := entity.AttachmentID(a)
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) saveAttachments(ctx context.Context, f *fold, atts []entity.RawAttachment) error {
	for _, a := range atts {
		if err := o.deps.Attachments.Save(ctx, a, f.attachments[entity.AttachmentID(a)]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, f *fold) (Summary, error) {
	boards := make([]entity.RawBoard, 0, len(f.boardOrder))
	for _, id := range f.boardOrder {
		boards = append(boards, f.boards[id])
	}
	if len(boards) > 0 {
		if err := o.deps.Store.UpsertBoards(ctx, boards); err != nil {
			return Summary{}, fmt.Errorf("upsert boards: %w", err)
		}
	}

	for _, id := range f.threadOrder {
		acc := f.threads[id]
		raw := acc.raw
		if err := o.saveAttachments(ctx, f, raw.Attachments); err != nil {
			return Summary{}, fmt.Errorf("save attachments of thread %s: %w", id, err)
		}
		attachmentCount := len(raw.Attachments)
		for _, pid := range acc.posts {
			attachmentCount += len(f.posts[pid].raw.Attachments)
		}
		bumped := max(acc.bumped, raw.CreatedAt)
		rec := store.ThreadRecord{
			Thread: entity.Thread{
				ID:              id,
				No:              raw.No,
				Author:          raw.Author,
				Title:           raw.Title,
				Content:         raw.Content,
				CreatedAt:       time.Unix(raw.CreatedAt, 0).UTC(),
				BumpedAt:        time.Unix(bumped, 0).UTC(),
				PostCount:       len(acc.posts),
				AttachmentCount: attachmentCount,
				BoardID:         entity.BoardID(raw.Board),
				BoardCode:       raw.Board.Code,
			},
			WatcherIDs:    acc.watchers,
			AttachmentIDs: attachmentIDs(raw.Attachments),
		}
		if err := o.deps.Store.UpsertThread(ctx, rec); err != nil {
			return Summary{}, fmt.Errorf("upsert thread %s: %w", id, err)
		}
	}

	for _, id := range f.postOrder {
		raw := f.posts[id].raw
		if err := o.saveAttachments(ctx, f, raw.Attachments); err != nil {
			return Summary{}, fmt.Errorf("save attachments of post %s: %w", id, err)
		}
		rec := store.PostRecord{
			Post: entity.Post{
				ID:        id,
				No:        raw.No,
				Author:    raw.Author,
				Title:     raw.Title,
				Content:   raw.Content,
				CreatedAt: time.Unix(raw.CreatedAt, 0).UTC(),
				ThreadID:  entity.ThreadID(raw.Thread),
				BoardID:   entity.BoardID(raw.Thread.Board),
			},
			AttachmentIDs: attachmentIDs(raw.Attachments),
		}
		if err := o.deps.Store.UpsertPost(ctx, rec); err != nil {
			return Summary{}, fmt.Errorf("upsert post %s: %w", id, err)
		}
	}

	if len(f.resolutions) > 0 {
		if err := o.deps.Store.ConnectWatcherThreads(ctx, f.resolutions); err != nil {
			return Summary{}, fmt.Errorf("connect pinned threads: %w", err)
		}
	}
	var unresolved []int64
	for _, pin := range f.fetchedPins {
		if _, ok := f.resolutions[pin.ID]; !ok && !slices.Contains(unresolved, pin.ID) {
			unresolved = append(unresolved, pin.ID)
		}
	}
	if len(unresolved) > 0 {
		if err := o.deps.Store.MarkWatcherThreadsArchived(ctx, unresolved); err != nil {
			return Summary{}, fmt.Errorf("archive pinned threads: %w", err)
		}
	}

	return Summary{
		Boards:      len(boards),
		Threads:     len(f.threadOrder),
		Posts:       len(f.postOrder),
		Attachments: len(f.attachments),
	}, nil
}
