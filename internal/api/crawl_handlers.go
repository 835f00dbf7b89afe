package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/activity"
	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/orchestrator"
	"github.com/JakeFAU/cabinet/internal/store"
)

const storeTimeout = 3 * time.Second

// runCrawl handles POST /v1/crawl. By default it waits for the cycle and
// returns its summary; with ?wait=false it returns 202 right away. A
// cycle already in flight is joined, not restarted.
func (s *Server) runCrawl(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "false" {
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := s.crawls.RunCycle(ctx); err != nil {
				s.logger.Warn("requested crawl failed", zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]bool{"running": true})
		return
	}
	summary, err := s.crawls.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrReconfiguring) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (s *Server) crawlState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.crawls.IsRunning()})
}

// crawlEvents streams the running state as server-sent events until the
// client goes away.
func (s *Server) crawlEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	states, unsubscribe := s.crawls.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case running := <-states:
			if _, err := fmt.Fprintf(w, "event: running\ndata: %t\n\n", running); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) crawlStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	stats, err := activity.Stats(ctx, s.store)
	if err != nil {
		s.logger.Error("crawling statistics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// actualURL handles GET /v1/watchers/{watcher_id}/actual-url?url=.
func (s *Server) actualURL(w http.ResponseWriter, r *http.Request) {
	c, ok := s.watcherCrawler(w, r)
	if !ok {
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	actual, ok := c.ActualURL(raw)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "url does not belong to this watcher")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": actual})
}

func (s *Server) listPins(w http.ResponseWriter, r *http.Request) {
	c, ok := s.watcherCrawler(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	pins, err := s.store.ListWatcherThreads(ctx, c.Watcher().ID)
	if err != nil {
		s.logger.Error("list pinned threads failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pinned threads")
		return
	}
	out := make([]pinDTO, 0, len(pins))
	for _, p := range pins {
		out = append(out, toPinDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

// createPin handles POST /v1/watchers/{watcher_id}/threads with
// {"url": "..."}. The url is canonicalized before it is stored.
func (s *Server) createPin(w http.ResponseWriter, r *http.Request) {
	c, ok := s.watcherCrawler(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	actual, ok := c.ActualURL(strings.TrimSpace(req.URL))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "url does not belong to this watcher")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	pin, err := s.store.CreateWatcherThread(ctx, c.Watcher().ID, actual)
	if err != nil {
		s.logger.Error("create pinned thread failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to pin thread")
		return
	}
	writeJSON(w, http.StatusCreated, toPinDTO(pin))
}

// excludeThread handles POST /v1/watchers/{watcher_id}/exclusions with
// {"threadId": "..."}.
func (s *Server) excludeThread(w http.ResponseWriter, r *http.Request) {
	c, ok := s.watcherCrawler(w, r)
	if !ok {
		return
	}
	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.store.ExcludeThread(ctx, c.Watcher().ID, req.ThreadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("exclude thread failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to exclude thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) watcherCrawler(w http.ResponseWriter, r *http.Request) (crawler.Crawler, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "watcher_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid watcher_id")
		return nil, false
	}
	c, ok := s.crawls.CrawlerByWatcher(id)
	if !ok {
		writeError(w, http.StatusNotFound, "watcher not found")
		return nil, false
	}
	return c, true
}

type summaryDTO struct {
	Boards      int                    `json:"boardsProcessed"`
	Threads     int                    `json:"threadsCreated"`
	Posts       int                    `json:"postsCreated"`
	Attachments int                    `json:"attachmentsCreated"`
	Watchers    []entity.WatcherResult `json:"watcherResults"`
	Collected   collectedDTO           `json:"collected"`
	DurationMs  int64                  `json:"durationMs"`
}

type collectedDTO struct {
	Threads     int `json:"threads"`
	Posts       int `json:"posts"`
	Attachments int `json:"attachments"`
}

func toSummaryDTO(s orchestrator.Summary) summaryDTO {
	return summaryDTO{
		Boards:      s.Boards,
		Threads:     s.Threads,
		Posts:       s.Posts,
		Attachments: s.Attachments,
		Watchers:    s.Watchers,
		Collected: collectedDTO{
			Threads:     s.Collected.Threads,
			Posts:       s.Collected.Posts,
			Attachments: s.Collected.Attachments,
		},
		DurationMs: s.Duration.Milliseconds(),
	}
}

type pinDTO struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	WatcherID  int64  `json:"watcherId"`
	ThreadID   string `json:"threadId,omitempty"`
	IsArchived bool   `json:"isArchived"`
}

func toPinDTO(p entity.WatcherThread) pinDTO {
	return pinDTO{ID: p.ID, URL: p.URL, WatcherID: p.WatcherID, ThreadID: p.ThreadID, IsArchived: p.IsArchived}
}
