// Package fourchan crawls imageboards that expose the four-chan JSON API.
package fourchan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
)

// Type is the watcher type tag handled by this package.
const Type = "four-chan"

// threadPaths maps an endpoint host to the thread URL path pattern of its
// site. The first group is the board code, the second the thread number.
var threadPaths = map[string]*regexp.Regexp{
	"a.4cdn.org": regexp.MustCompile(`^/([a-z0-9]*?)/thread/(\d+)$`),
}

// Register adds the four-chan factory to r.
func Register(r *crawler.Registry) {
	r.Register(Type, crawler.Factory{
		New: func(w entity.Watcher, deps crawler.Deps) (crawler.Crawler, error) {
			return New(w, deps)
		},
		Matcher: NewMatcher,
	})
}

// NewMatcher compiles the rules of a stored watcher config.
func NewMatcher(config json.RawMessage) (crawler.Matcher, error) {
	opts, err := DecodeOptions(config)
	if err != nil {
		return nil, err
	}
	rules, err := crawler.Compile(opts.Entries)
	if err != nil {
		return nil, fmt.Errorf("compile entries: %w", err)
	}
	return rules, nil
}

// Crawler watches one four-chan endpoint for one watcher.
type Crawler struct {
	watcher  entity.Watcher
	host     string
	rules    *crawler.Rules
	provider *Provider
	cache    *crawler.ArchiveCache
	logger   *zap.Logger
}

var _ crawler.Crawler = (*Crawler)(nil)

// New builds a Crawler from the watcher's stored config.
func New(w entity.Watcher, deps crawler.Deps) (*Crawler, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("four-chan crawler requires a fetcher")
	}
	opts, err := DecodeOptions(w.Config)
	if err != nil {
		return nil, err
	}
	rules, err := crawler.Compile(opts.Entries)
	if err != nil {
		return nil, fmt.Errorf("compile entries: %w", err)
	}
	provider, err := NewProvider(opts, deps.Fetcher)
	if err != nil {
		return nil, err
	}
	cache := deps.Cache
	if cache == nil {
		if cache, err = crawler.NewArchiveCache(crawler.CacheConfig{}); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		watcher:  w,
		host:     provider.host,
		rules:    rules,
		provider: provider,
		cache:    cache,
		logger:   logger.Named("fourchan").With(zap.String("watcher", w.Name)),
	}, nil
}

// Watcher returns the watcher this crawler serves.
func (c *Crawler) Watcher() entity.Watcher { return c.watcher }

// Type returns the watcher type tag.
func (c *Crawler) Type() string { return Type }

// Matches applies the watcher's rules to a thread.
func (c *Crawler) Matches(t entity.MatchTarget) bool { return c.rules.Matches(t) }

// ActualURL strips the query string from a thread URL of this endpoint's
// site.
func (c *Crawler) ActualURL(raw string) (string, bool) {
	re, ok := threadPaths[hostname(c.host)]
	if !ok {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || !re.MatchString(u.Path) {
		return "", false
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String(), true
}

func (c *Crawler) parsePin(raw string) (string, int64, bool) {
	re, ok := threadPaths[hostname(c.host)]
	if !ok {
		return "", 0, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false
	}
	m := re.FindStringSubmatch(u.Path)
	if m == nil {
		return "", 0, false
	}
	no, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		c.logger.Warn("invalid pinned thread number", zap.String("url", raw), zap.String("no", m[2]))
		return "", 0, false
	}
	return m[1], no, true
}

// threadSet keeps threads keyed by identity in first-seen order.
type threadSet struct {
	order []string
	items map[string]entity.RawThread
}

func newThreadSet() *threadSet {
	return &threadSet{items: make(map[string]entity.RawThread)}
}

func (s *threadSet) add(t entity.RawThread) string {
	id := entity.ThreadID(t)
	if _, ok := s.items[id]; !ok {
		s.order = append(s.order, id)
	}
	s.items[id] = t
	return id
}

func (s *threadSet) list() []entity.RawThread {
	out := make([]entity.RawThread, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// Watch resolves pins, scans the catalogs and archives of the configured
// boards, and returns the matched threads with all of their posts.
func (c *Crawler) Watch(
	ctx context.Context,
	pins []entity.WatcherThread,
	excludedThreadIDs []string,
) (crawler.Result, error) {
	allBoards, err := c.provider.Boards(ctx)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("list boards: %w", err)
	}
	byCode := make(map[string]entity.RawBoard, len(allBoards))
	for _, b := range allBoards {
		byCode[b.Code] = b
	}

	matched := newThreadSet()
	resolutions := make(map[int64]string)
	for _, pin := range pins {
		thread, ok := c.resolvePin(ctx, pin, byCode)
		if !ok {
			continue
		}
		resolutions[pin.ID] = matched.add(thread)
	}

	var boards []entity.RawBoard
	seenBoards := make(map[string]bool)
	addBoard := func(b entity.RawBoard) {
		if !seenBoards[b.Code] {
			seenBoards[b.Code] = true
			boards = append(boards, b)
		}
	}
	configured := c.rules.Boards()
	for _, b := range allBoards {
		if slices.Contains(configured, b.Code) {
			addBoard(b)
		}
	}
	for _, t := range matched.list() {
		addBoard(t.Board)
	}

	live := newThreadSet()
	for _, b := range boards {
		threads, err := c.provider.Threads(ctx, b)
		if err != nil {
			return crawler.Result{}, fmt.Errorf("list threads of /%s/: %w", b.Code, err)
		}
		for _, t := range threads {
			live.add(t)
		}
	}

	archived, err := c.archivedThreads(ctx, boards)
	if err != nil {
		return crawler.Result{}, err
	}

	for _, entry := range c.rules.Entries() {
		candidates := live.list()
		if entry.SearchArchive {
			candidates = append(candidates, archived.list()...)
		}
		for _, t := range candidates {
			if !entry.HasBoard(t.Board.Code) || !entry.Match(t.MatchTarget()) {
				continue
			}
			if slices.Contains(excludedThreadIDs, entity.ThreadID(t)) {
				continue
			}
			matched.add(t)
		}
	}

	threads := matched.list()
	var posts []entity.RawPost
	for _, t := range threads {
		threadPosts, err := c.provider.Posts(ctx, t)
		if err != nil {
			return crawler.Result{}, fmt.Errorf("list posts of /%s/%d: %w", t.Board.Code, t.No, err)
		}
		posts = append(posts, threadPosts...)
	}

	c.logger.Debug("watch finished",
		zap.Int("boards", len(boards)),
		zap.Int("threads", len(threads)),
		zap.Int("posts", len(posts)),
		zap.Int("pins_resolved", len(resolutions)),
	)
	return crawler.Result{
		Boards:         boards,
		Threads:        threads,
		Posts:          posts,
		PinResolutions: resolutions,
	}, nil
}

func (c *Crawler) resolvePin(
	ctx context.Context,
	pin entity.WatcherThread,
	byCode map[string]entity.RawBoard,
) (entity.RawThread, bool) {
	code, no, ok := c.parsePin(pin.URL)
	if !ok {
		c.logger.Warn("failed to parse pinned thread url", zap.String("url", pin.URL))
		return entity.RawThread{}, false
	}
	board, ok := byCode[code]
	if !ok {
		c.logger.Warn("pinned thread board not found", zap.String("board", code), zap.String("url", pin.URL))
		return entity.RawThread{}, false
	}
	thread, err := c.provider.Thread(ctx, board, no)
	if err != nil {
		c.logger.Warn("pinned thread not found", zap.Int64("no", no), zap.String("url", pin.URL), zap.Error(err))
		return entity.RawThread{}, false
	}
	return thread, true
}

func (c *Crawler) archivedThreads(ctx context.Context, boards []entity.RawBoard) (*threadSet, error) {
	archived := newThreadSet()
	for _, code := range c.rules.ArchiveBoards() {
		idx := slices.IndexFunc(boards, func(b entity.RawBoard) bool { return b.Code == code })
		if idx < 0 {
			return nil, fmt.Errorf("could not find board for archive search: %s", code)
		}
		board := boards[idx]
		ids, err := c.provider.ArchivedThreadIDs(ctx, board)
		if err != nil {
			return nil, fmt.Errorf("list archive of /%s/: %w", code, err)
		}
		for _, no := range ids {
			key := entity.ThreadID(entity.RawThread{Board: board, No: no})
			thread, ok, err := c.cache.Resolve(ctx, key, func(ctx context.Context) (entity.RawThread, error) {
				return c.provider.Thread(ctx, board, no)
			})
			if err != nil {
				c.logger.Error("failed to resolve archived thread",
					zap.String("board", code), zap.Int64("no", no), zap.Error(err))
			}
			if ok {
				archived.add(thread)
			}
		}
	}
	return archived, nil
}

func hostname(host string) string {
	if u, err := url.Parse("//" + host); err == nil {
		return u.Hostname()
	}
	return host
}
