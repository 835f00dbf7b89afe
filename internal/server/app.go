// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/activity"
	"github.com/JakeFAU/cabinet/internal/api"
	"github.com/JakeFAU/cabinet/internal/attachment"
	"github.com/JakeFAU/cabinet/internal/clock/system"
	"github.com/JakeFAU/cabinet/internal/collector"
	"github.com/JakeFAU/cabinet/internal/config"
	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/crawler/fourchan"
	"github.com/JakeFAU/cabinet/internal/dispatcher"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	collyfetcher "github.com/JakeFAU/cabinet/internal/fetcher/colly"
	"github.com/JakeFAU/cabinet/internal/id/uuid"
	"github.com/JakeFAU/cabinet/internal/metrics"
	"github.com/JakeFAU/cabinet/internal/orchestrator"
	"github.com/JakeFAU/cabinet/internal/policy/ratelimit"
	"github.com/JakeFAU/cabinet/internal/queue"
	queuememory "github.com/JakeFAU/cabinet/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/cabinet/internal/queue/pubsub"
	"github.com/JakeFAU/cabinet/internal/statistic"
	"github.com/JakeFAU/cabinet/internal/storage"
	gcsstorage "github.com/JakeFAU/cabinet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/cabinet/internal/storage/local"
	memorystorage "github.com/JakeFAU/cabinet/internal/storage/memory"
	s3storage "github.com/JakeFAU/cabinet/internal/storage/s3"
	"github.com/JakeFAU/cabinet/internal/store"
	storememory "github.com/JakeFAU/cabinet/internal/store/memory"
	pgstore "github.com/JakeFAU/cabinet/internal/store/postgres"
	"github.com/JakeFAU/cabinet/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	repo         store.Repository
	queue        queue.Queue
	backend      storage.Backend
	processor    *attachment.Processor
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	recorder     *statistic.Recorder
	apiServer    *api.Server

	closeOnce sync.Once
}

// Build creates the application's dependencies from cfg. The caller owns
// the returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Type),
		zap.String("queue", cfg.Queue.Type),
		zap.String("storage", cfg.Storage.Type),
		zap.Int("watchers", len(cfg.Watchers)),
	)

	repo, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.repo = repo
	if m, ok := repo.(interface{ Migrate(context.Context) error }); ok {
		if err := m.Migrate(ctx); err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	f := newFetcher(cfg.Fetch, logger)
	if app.backend, err = setupStorage(ctx, cfg.Storage, f, logger); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if app.queue, err = setupQueue(ctx, cfg.Queue, logger); err != nil {
		app.Close(ctx)
		return nil, err
	}

	clock := system.New()
	activities := activity.New(clock, uuid.New(),
		activity.StoreSink{Store: repo},
		activity.LogSink{Logger: logger.Named("activity")},
		activity.MetricsSink{},
	)
	attachments := attachment.NewService(repo, app.queue, logger)
	app.processor = attachment.NewProcessor(repo, app.backend, activities, clock, attachmentSettings(cfg.Attachment), logger)
	app.dispatch = dispatcher.NewPool(app.queue, app.processor, cfg.Attachment.Concurrency, nil, logger)

	registry := crawler.NewRegistry()
	fourchan.Register(registry)
	app.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:       repo,
		Attachments: attachments,
		Activities:  activities,
		Collector:   collector.New(repo, attachments, logger),
		Watchers:    watcher.NewService(repo, registry, logger),
		Crawlers:    registry,
		Fetcher:     f,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.recorder = statistic.New(repo, clock, logger)
	app.apiServer = api.NewServer(app.orchestrator, repo, app.backend, api.Options{
		APIKey: cfg.Server.APIKey,
		Ready:  app.ready,
	}, logger)
	return app, nil
}

// OpenStore connects the configured repository.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Type {
	case "memory":
		logger.Warn("using in-memory database, nothing survives a restart")
		return storememory.New(), nil
	default:
		repo, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			Schema:          cfg.Schema,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("postgres store initialized", zap.String("schema", cfg.Schema))
		return repo, nil
	}
}

func newFetcher(cfg config.FetchConfig, logger *zap.Logger) fetcher.Fetcher {
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	})
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.UserAgent),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
	)
	return ratelimit.Wrap(ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RequestsPerSecond,
		DefaultBurst: cfg.Burst,
	}), base)
}

func setupStorage(ctx context.Context, cfg config.StorageConfig, f fetcher.Fetcher, logger *zap.Logger) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Type {
	case "s3":
		backend, err = s3storage.New(ctx, cfg.S3, f)
	case "gcs":
		backend, err = gcsstorage.New(ctx, cfg.GCS, f)
	case "memory":
		backend = memorystorage.NewBlobStore(f)
	default:
		backend, err = localstorage.New(cfg.Filesystem, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s blob store init failed: %w", cfg.Type, err)
	}
	if err := backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s storage: %w", backend.Name(), err)
	}
	logger.Info("storage backend initialized", zap.String("backend", backend.Name()))
	return backend, nil
}

func setupQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Queue, error) {
	if cfg.Type != "pubsub" {
		logger.Info("using in-memory job queue")
		return queuememory.NewQueue(), nil
	}
	q, err := pubsubqueue.New(ctx, cfg.PubSub, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	logger.Info("Pub/Sub queue initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.Topic),
		zap.String("subscription", cfg.PubSub.Subscription),
	)
	return q, nil
}

func attachmentSettings(cfg config.AttachmentConfig) attachment.Settings {
	return attachment.Settings{
		DownloadDelay: cfg.DownloadDelay(),
		FailoverDelay: cfg.FailoverDelay(),
		HashCheck:     cfg.HashCheck,
	}
}

// CrawlSettings converts the crawling section and watcher list into
// orchestrator settings.
func CrawlSettings(cfg config.Config) (orchestrator.Settings, error) {
	schedule, err := cfg.Crawling.Schedule()
	if err != nil {
		return orchestrator.Settings{}, fmt.Errorf("crawl schedule: %w", err)
	}
	defs := make([]watcher.Definition, 0, len(cfg.Watchers))
	for _, w := range cfg.Watchers {
		raw, err := w.Raw()
		if err != nil {
			return orchestrator.Settings{}, fmt.Errorf("encode watcher %q: %w", w.Name, err)
		}
		defs = append(defs, watcher.Definition{Name: w.Name, Type: w.Type, Config: raw})
	}
	return orchestrator.Settings{
		Schedule:       schedule,
		DeleteObsolete: cfg.Crawling.DeleteObsolete,
		Concurrency:    cfg.Crawling.Concurrency,
		WatcherSync:    watcher.Mode(cfg.Crawling.WatcherSync),
		ArchiveCache:   cfg.Crawling.ArchiveCache,
		Watchers:       defs,
	}, nil
}

func (a *App) ready(ctx context.Context) error {
	if p, ok := a.repo.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, the crawl schedule, the statistics recorder and
// the HTTP server, then blocks until ctx is canceled or a signal arrives.
// Changes from updates are applied while running.
func (a *App) Run(ctx context.Context, updates <-chan config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(workersCtx)
	}()

	settings, err := CrawlSettings(a.cfg)
	if err != nil {
		return err
	}
	if err := a.orchestrator.Start(ctx, settings); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if a.cfg.Statistics.Enabled {
		if err := a.recorder.Start(a.cfg.Statistics.Cron); err != nil {
			return fmt.Errorf("start statistics recorder: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	go a.watchConfig(ctx, updates)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.orchestrator.Stop(shutdownCtx); err != nil {
		a.logger.Warn("crawl cycle did not finish before shutdown", zap.Error(err))
	}
	a.recorder.Stop()
	a.closeQueue()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		stopWorkers()
		<-workersDone
	}
	a.Close(shutdownCtx)
	return nil
}

// watchConfig applies every validated configuration change. Watchers,
// crawlers and the schedule are rebuilt; processor settings are swapped.
func (a *App) watchConfig(ctx context.Context, updates <-chan config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logger.Info("configuration changed, reconfiguring")
			a.processor.UpdateSettings(attachmentSettings(cfg.Attachment))
			settings, err := CrawlSettings(cfg)
			if err != nil {
				a.logger.Error("ignoring configuration change", zap.Error(err))
				continue
			}
			if err := a.orchestrator.Reconfigure(ctx, settings); err != nil {
				a.logger.Error("reconfigure failed", zap.Error(err))
				continue
			}
			a.cfg = cfg
		}
	}
}

// RunOnce runs a single crawl cycle, then drains the download queue.
func (a *App) RunOnce(ctx context.Context) (orchestrator.Summary, error) {
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatch.Run(ctx)
	}()

	settings, err := CrawlSettings(a.cfg)
	if err != nil {
		a.closeQueue()
		<-workersDone
		return orchestrator.Summary{}, err
	}
	// no schedule: the cycle below is the only one
	settings.Schedule = config.Schedule{}

	var summary orchestrator.Summary
	if err = a.orchestrator.Start(ctx, settings); err == nil {
		summary, err = a.orchestrator.RunCycle(ctx)
	}
	a.closeQueue()
	<-workersDone
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("run crawl cycle: %w", err)
	}
	return summary, nil
}

func (a *App) closeQueue() {
	if a.queue == nil {
		return
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("queue close failed", zap.Error(err))
	}
}

// Close releases infrastructure. It is safe to call more than once.
func (a *App) Close(_ context.Context) {
	a.closeOnce.Do(func() {
		a.closeQueue()
		if c, ok := a.backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.logger.Warn("storage close failed", zap.Error(err))
			}
		}
		if a.repo != nil {
			a.repo.Close()
		}
		a.logger.Info("shutdown complete")
	})
}
