// Package watcher keeps the persisted watcher rows in line with the
// configured watchers.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
)

// Mode selects how Sync treats rows that already exist.
type Mode string

// Sync modes.
const (
	// ModeKeep leaves existing rows alone and creates missing ones.
	ModeKeep Mode = "keep"
	// ModeReset drops every row and recreates them.
	ModeReset Mode = "reset"
)

// Store is the persistence surface Sync needs.
type Store interface {
	ListWatchers(ctx context.Context) ([]entity.Watcher, error)
	CreateWatcher(ctx context.Context, w entity.Watcher, threadIDs, attachmentIDs []string) (entity.Watcher, error)
	DeleteAllWatchers(ctx context.Context) error
	ListThreadGraph(ctx context.Context) ([]entity.ThreadNode, error)
}

// MatcherFactory builds a matcher for a watcher type and config.
type MatcherFactory interface {
	Matcher(watcherType string, config json.RawMessage) (crawler.Matcher, error)
}

// Definition is one configured watcher.
type Definition struct {
	Name   string
	Type   string
	Config json.RawMessage
}

// Service synchronizes watcher rows.
type Service struct {
	store    Store
	matchers MatcherFactory
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(st Store, matchers MatcherFactory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, matchers: matchers, logger: logger.Named("watcher")}
}

// Sync ensures exactly one row exists per definition and returns the
// watchers in definition order. Returned watchers carry the persisted id
// and the configured type and config. A newly created watcher is
// connected to every stored thread its matcher accepts, along with the
// attachments of those threads and their posts.
func (s *Service) Sync(ctx context.Context, defs []Definition, mode Mode) ([]entity.Watcher, error) {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.Name] {
			return nil, fmt.Errorf("watcher with name %q already exists", d.Name)
		}
		seen[d.Name] = true
	}

	existing := map[string]entity.Watcher{}
	switch mode {
	case ModeReset:
		if err := s.store.DeleteAllWatchers(ctx); err != nil {
			return nil, fmt.Errorf("delete watchers: %w", err)
		}
	case ModeKeep, "":
		rows, err := s.store.ListWatchers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list watchers: %w", err)
		}
		for _, w := range rows {
			existing[w.Name] = w
		}
	default:
		return nil, fmt.Errorf("unknown watcher sync mode %q", mode)
	}

	var graph []entity.ThreadNode
	graphLoaded := false
	out := make([]entity.Watcher, 0, len(defs))
	for _, d := range defs {
		w := entity.Watcher{Name: d.Name, Type: d.Type, Config: d.Config}
		if row, ok := existing[d.Name]; ok {
			w.ID = row.ID
			out = append(out, w)
			continue
		}
		matcher, err := s.matchers.Matcher(d.Type, d.Config)
		if err != nil {
			return nil, fmt.Errorf("watcher %q: %w", d.Name, err)
		}
		if !graphLoaded {
			if graph, err = s.store.ListThreadGraph(ctx); err != nil {
				return nil, fmt.Errorf("list thread graph: %w", err)
			}
			graphLoaded = true
		}
		threadIDs, attachmentIDs := matched(graph, matcher)
		created, err := s.store.CreateWatcher(ctx, w, threadIDs, attachmentIDs)
		if err != nil {
			return nil, fmt.Errorf("create watcher %q: %w", d.Name, err)
		}
		s.logger.Info("created watcher",
			zap.String("name", d.Name),
			zap.String("type", d.Type),
			zap.Int("threads", len(threadIDs)),
			zap.Int("attachments", len(attachmentIDs)),
		)
		w.ID = created.ID
		out = append(out, w)
	}
	return out, nil
}

func matched(graph []entity.ThreadNode, m crawler.Matcher) (threadIDs, attachmentIDs []string) {
	seen := map[string]bool{}
	add := func(refs []entity.AttachmentRef) {
		for _, a := range refs {
			if !seen[a.ID] {
				seen[a.ID] = true
				attachmentIDs = append(attachmentIDs, a.ID)
			}
		}
	}
	for _, node := range graph {
		if !m.Matches(node.MatchTarget()) {
			continue
		}
		threadIDs = append(threadIDs, node.ID)
		add(node.Attachments)
		for _, p := range node.Posts {
			add(p.Attachments)
		}
	}
	return threadIDs, attachmentIDs
}
