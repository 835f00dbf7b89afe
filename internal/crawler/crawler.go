// Package crawler defines the per-source crawler contract, the query
// rules that decide whether a thread is watched, and the registry that
// builds crawlers from watcher configuration.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
)

// ErrUnknownType is returned for a watcher type with no registered crawler.
var ErrUnknownType = errors.New("unknown watcher type")

// Result is everything one watcher found in a cycle.
type Result struct {
	Boards  []entity.RawBoard
	Threads []entity.RawThread
	Posts   []entity.RawPost
	// PinResolutions maps a resolved WatcherThread id to its thread id.
	PinResolutions map[int64]string
}

// AttachmentCount counts attachments across threads and posts, including
// duplicates.
func (r Result) AttachmentCount() int {
	n := 0
	for _, t := range r.Threads {
		n += len(t.Attachments)
	}
	for _, p := range r.Posts {
		n += len(p.Attachments)
	}
	return n
}

// Matcher decides whether a thread satisfies a watcher's rules.
type Matcher interface {
	Matches(t entity.MatchTarget) bool
}

// Crawler watches one source on behalf of one watcher.
type Crawler interface {
	Matcher
	Watcher() entity.Watcher
	Type() string
	Watch(ctx context.Context, pins []entity.WatcherThread, excludedThreadIDs []string) (Result, error)
	// ActualURL canonicalizes a thread URL, or reports false when the URL
	// does not belong to this crawler's source.
	ActualURL(raw string) (string, bool)
}

// Deps are the shared collaborators handed to every crawler.
type Deps struct {
	Fetcher fetcher.Fetcher
	Cache   *ArchiveCache
	Logger  *zap.Logger
}

// Factory builds crawlers and matchers for one source type.
type Factory struct {
	New     func(w entity.Watcher, deps Deps) (Crawler, error)
	Matcher func(config json.RawMessage) (Matcher, error)
}

// Registry maps source-type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a type.
func (r *Registry) Register(sourceType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceType] = f
}

// Types lists registered source types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) factory(sourceType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[sourceType]
	if !ok {
		return Factory{}, fmt.Errorf("%w %q", ErrUnknownType, sourceType)
	}
	return f, nil
}

// New builds a crawler for w.
func (r *Registry) New(w entity.Watcher, deps Deps) (Crawler, error) {
	f, err := r.factory(w.Type)
	if err != nil {
		return nil, err
	}
	c, err := f.New(w, deps)
	if err != nil {
		return nil, fmt.Errorf("create %s crawler %q: %w", w.Type, w.Name, err)
	}
	return c, nil
}

// Matcher builds a matcher for a stored watcher config without a crawler.
func (r *Registry) Matcher(sourceType string, config json.RawMessage) (Matcher, error) {
	f, err := r.factory(sourceType)
	if err != nil {
		return nil, err
	}
	m, err := f.Matcher(config)
	if err != nil {
		return nil, fmt.Errorf("create %s matcher: %w", sourceType, err)
	}
	return m, nil
}
