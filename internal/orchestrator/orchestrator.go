// Package orchestrator schedules crawl cycles, fans them out to the
// configured crawlers and persists what they find.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/collector"
	"github.com/JakeFAU/cabinet/internal/config"
	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/store"
	"github.com/JakeFAU/cabinet/internal/watcher"
)

// ErrReconfiguring is returned by RunCycle while the crawler list is
// being rebuilt.
var ErrReconfiguring = errors.New("crawlers are being reconfigured")

// Store is the persistence surface of a crawl cycle.
type Store interface {
	store.BoardStore
	MarkAllThreadsArchived(ctx context.Context) error
	UpsertThread(ctx context.Context, record store.ThreadRecord) error
	UpsertPost(ctx context.Context, record store.PostRecord) error
	ListExcludedThreads(ctx context.Context) ([]entity.ExcludedThread, error)
	ListWatcherThreads(ctx context.Context, watcherID int64) ([]entity.WatcherThread, error)
	MarkWatcherThreadsArchived(ctx context.Context, ids []int64) error
	ConnectWatcherThreads(ctx context.Context, resolved map[int64]string) error
}

// AttachmentSaver upserts attachment rows and schedules their download.
type AttachmentSaver interface {
	Save(ctx context.Context, raw entity.RawAttachment, watcherIDs []int64) error
}

// ActivityLog records cycle activities.
type ActivityLog interface {
	Start(ctx context.Context, activityType string) (entity.Activity, error)
	Finish(ctx context.Context, a entity.Activity, outcome entity.ActivityOutcome) error
}

// Collector removes entities no watcher needs anymore.
type Collector interface {
	Run(ctx context.Context, matchers []crawler.Matcher) (collector.Report, error)
}

// WatcherSyncer keeps watcher rows in line with configuration.
type WatcherSyncer interface {
	Sync(ctx context.Context, defs []watcher.Definition, mode watcher.Mode) ([]entity.Watcher, error)
}

// CrawlerFactory builds a crawler for a watcher.
type CrawlerFactory interface {
	New(w entity.Watcher, deps crawler.Deps) (crawler.Crawler, error)
}

// Clock supplies time and pacing sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Settings are the reconfigurable parts of the orchestrator.
type Settings struct {
	Schedule       config.Schedule
	DeleteObsolete bool
	// Concurrency bounds how many crawlers fetch at once.
	Concurrency  int
	WatcherSync  watcher.Mode
	ArchiveCache crawler.CacheConfig
	Watchers     []watcher.Definition
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store       Store
	Attachments AttachmentSaver
	Activities  ActivityLog
	Collector   Collector
	Watchers    WatcherSyncer
	Crawlers    CrawlerFactory
	Fetcher     fetcher.Fetcher
	Clock       Clock
	Logger      *zap.Logger
}

// Orchestrator owns the crawler list, the schedule and the running cycle.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger

	// lifecycle serializes Start, Reconfigure and Stop.
	lifecycle sync.Mutex
	trigger   trigger

	mu            sync.Mutex
	crawlers      []crawler.Crawler
	settings      Settings
	reconfiguring bool
	inflight      *cycle
	subscribers   map[int]chan bool
	nextSub       int
}

// New constructs an Orchestrator. Call Start to build crawlers and
// install the schedule.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case deps.Attachments == nil:
		return nil, fmt.Errorf("orchestrator requires an attachment saver")
	case deps.Activities == nil:
		return nil, fmt.Errorf("orchestrator requires an activity log")
	case deps.Watchers == nil || deps.Crawlers == nil:
		return nil, fmt.Errorf("orchestrator requires a watcher syncer and crawler factory")
	case deps.Clock == nil:
		return nil, fmt.Errorf("orchestrator requires a clock")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:        deps,
		logger:      deps.Logger.Named("orchestrator"),
		subscribers: make(map[int]chan bool),
	}, nil
}

type cycle struct {
	done    chan struct{}
	summary Summary
	err     error
}

func (c *cycle) wait(ctx context.Context) (Summary, error) {
	select {
	case <-c.done:
		return c.summary, c.err
	case <-ctx.Done():
		return Summary{}, fmt.Errorf("wait for crawl cycle: %w", ctx.Err())
	}
}

// RunCycle runs one crawl cycle, or joins the one already running.
// Callers that join receive the same summary and error. Cancelling ctx
// stops the wait but never the cycle itself.
func (o *Orchestrator) RunCycle(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	if o.reconfiguring {
		o.mu.Unlock()
		return Summary{}, ErrReconfiguring
	}
	if c := o.inflight; c != nil {
		o.mu.Unlock()
		return c.wait(ctx)
	}
	c := &cycle{done: make(chan struct{})}
	o.inflight = c
	crawlers := append([]crawler.Crawler(nil), o.crawlers...)
	settings := o.settings
	o.broadcastLocked(true)
	o.mu.Unlock()

	go func() {
		c.summary, c.err = o.run(context.WithoutCancel(ctx), crawlers, settings)
		o.mu.Lock()
		o.inflight = nil
		close(c.done)
		o.broadcastLocked(false)
		o.mu.Unlock()
	}()
	return c.wait(ctx)
}

// IsRunning reports whether a cycle is in flight.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight != nil
}

// Subscribe streams the running state, starting with the current one.
// Slow readers only see the latest state. Call the returned function to
// unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	ch <- o.inflight != nil
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) broadcastLocked(running bool) {
	for _, ch := range o.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- running
	}
}

// Crawlers returns the current crawler list.
func (o *Orchestrator) Crawlers() []crawler.Crawler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]crawler.Crawler(nil), o.crawlers...)
}

// CrawlerByWatcher finds the crawler serving a watcher.
func (o *Orchestrator) CrawlerByWatcher(watcherID int64) (crawler.Crawler, bool) {
	for _, c := range o.Crawlers() {
		if c.Watcher().ID == watcherID {
			return c, true
		}
	}
	return nil, false
}

// ActualURL canonicalizes rawURL with the first crawler of crawlerType
// that recognizes it.
func (o *Orchestrator) ActualURL(crawlerType, rawURL string) (string, bool) {
	for _, c := range o.Crawlers() {
		if c.Type() != crawlerType {
			continue
		}
		if u, ok := c.ActualURL(rawURL); ok {
			return u, true
		}
	}
	return "", false
}

// Start syncs watcher rows, builds the crawlers and installs the schedule.
func (o *Orchestrator) Start(ctx context.Context, s Settings) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.trigger != nil {
		return fmt.Errorf("orchestrator already started")
	}
	if err := o.apply(ctx, s); err != nil {
		return err
	}
	o.logger.Info("orchestrator started", zap.Int("crawlers", len(o.Crawlers())))
	return nil
}

// Reconfigure stops new triggers, waits for the running cycle and rebuilds
// watchers, crawlers, archive caches and the schedule. On failure the
// previous crawlers and schedule stay in place.
func (o *Orchestrator) Reconfigure(ctx context.Context, s Settings) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.trigger != nil {
		o.trigger.stop()
		o.trigger = nil
	}
	o.mu.Lock()
	o.reconfiguring = true
	c := o.inflight
	previous := o.settings
	o.mu.Unlock()

	if c != nil {
		o.logger.Info("waiting for running crawl cycle before reconfiguring")
		if _, err := c.wait(ctx); err != nil && ctx.Err() != nil {
			o.restore(previous.Schedule)
			return err
		}
	}
	if err := o.apply(ctx, s); err != nil {
		o.logger.Error("reconfiguration failed, keeping previous crawlers", zap.Error(err))
		o.restore(previous.Schedule)
		return err
	}
	o.logger.Info("orchestrator reconfigured", zap.Int("crawlers", len(o.Crawlers())))
	return nil
}

// restore reinstalls the previous schedule. The flag is cleared first since
// an interval chain runs a cycle as soon as it is installed.
func (o *Orchestrator) restore(schedule config.Schedule) {
	o.mu.Lock()
	o.reconfiguring = false
	o.mu.Unlock()
	o.installTrigger(schedule)
}

// Stop removes the schedule and waits for a running cycle to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.trigger != nil {
		o.trigger.stop()
		o.trigger = nil
	}
	o.mu.Lock()
	c := o.inflight
	o.mu.Unlock()
	if c == nil {
		return nil
	}
	if _, err := c.wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) apply(ctx context.Context, s Settings) error {
	crawlers, err := o.build(ctx, s)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.crawlers = crawlers
	o.settings = s
	o.reconfiguring = false
	o.mu.Unlock()
	o.installTrigger(s.Schedule)
	return nil
}

func (o *Orchestrator) build(ctx context.Context, s Settings) ([]crawler.Crawler, error) {
	watchers, err := o.deps.Watchers.Sync(ctx, s.Watchers, s.WatcherSync)
	if err != nil {
		return nil, fmt.Errorf("sync watchers: %w", err)
	}
	caches := map[string]*crawler.ArchiveCache{}
	crawlers := make([]crawler.Crawler, 0, len(watchers))
	for _, w := range watchers {
		cache, ok := caches[w.Type]
		if !ok {
			if cache, err = crawler.NewArchiveCache(s.ArchiveCache); err != nil {
				return nil, fmt.Errorf("create archive cache: %w", err)
			}
			caches[w.Type] = cache
		}
		c, err := o.deps.Crawlers.New(w, crawler.Deps{
			Fetcher: o.deps.Fetcher,
			Cache:   cache,
			Logger:  o.deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		crawlers = append(crawlers, c)
	}
	return crawlers, nil
}

type trigger interface {
	stop()
}

type cronTrigger struct {
	c *cron.Cron
}

func (t cronTrigger) stop() { t.c.Stop() }

type chainTrigger struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t chainTrigger) stop() {
	t.cancel()
	<-t.done
}

func (o *Orchestrator) installTrigger(s config.Schedule) {
	switch {
	case s.Cron != "":
		c := cron.New(
			cron.WithParser(config.CronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		if _, err := c.AddFunc(s.Cron, func() { o.scheduled(context.Background()) }); err != nil {
			o.logger.Error("invalid crawl schedule", zap.String("cron", s.Cron), zap.Error(err))
			return
		}
		c.Start()
		o.trigger = cronTrigger{c: c}
		o.logger.Info("crawl schedule installed", zap.String("cron", s.Cron))
	case s.Every > 0:
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				o.scheduled(ctx)
				if err := o.deps.Clock.Sleep(ctx, s.Every); err != nil {
					return
				}
			}
		}()
		o.trigger = chainTrigger{cancel: cancel, done: done}
		o.logger.Info("crawl schedule installed", zap.Duration("every", s.Every))
	}
}

func (o *Orchestrator) scheduled(ctx context.Context) {
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrReconfiguring):
		o.logger.Debug("skipping scheduled crawl during reconfiguration")
	case ctx.Err() != nil:
	default:
		o.logger.Error("scheduled crawl failed", zap.Error(err))
	}
}
