package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/collector"
	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/orchestrator"
	"github.com/JakeFAU/cabinet/internal/storage"
	storagememory "github.com/JakeFAU/cabinet/internal/storage/memory"
	"github.com/JakeFAU/cabinet/internal/store"
	"github.com/JakeFAU/cabinet/internal/store/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, nil).Handler(), http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := errors.New("database down")
	srv := NewServer(&fakeCrawls{}, memory.New(), nil, Options{
		Ready: func(context.Context) error { return ready },
	}, zap.NewNop())

	rec := serve(t, srv.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv = NewServer(&fakeCrawls{}, memory.New(), nil, Options{
		Ready: func(context.Context) error { return nil },
	}, zap.NewNop())
	rec = serve(t, srv.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeCrawls{}, memory.New(), nil, Options{APIKey: "secret"}, zap.NewNop())
	h := srv.Handler()

	rec := serve(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodGet, "/v1/crawl", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodGet, "/v1/crawl?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, nil).Handler(), http.MethodGet, "/healthz", nil)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RunCrawlReturnsSummary(t *testing.T) {
	t.Parallel()

	crawls := &fakeCrawls{summary: orchestrator.Summary{
		Boards:      1,
		Threads:     2,
		Posts:       5,
		Attachments: 3,
		Watchers:    []entity.WatcherResult{{WatcherName: "tech", IsSuccessful: true}},
		Collected:   collector.Report{Threads: 1},
		Duration:    1500 * time.Millisecond,
	}}
	srv := newTestServer(t, crawls)

	rec := serve(t, srv.Handler(), http.MethodPost, "/v1/crawl", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got summaryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Threads)
	assert.Equal(t, 5, got.Posts)
	assert.Equal(t, 3, got.Attachments)
	assert.Equal(t, 1, got.Collected.Threads)
	assert.Equal(t, int64(1500), got.DurationMs)
	require.Len(t, got.Watchers, 1)
	assert.Equal(t, "tech", got.Watchers[0].WatcherName)
	assert.Equal(t, 1, crawls.calls())
}

func TestServer_RunCrawlErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "reconfiguring", err: orchestrator.ErrReconfiguring, want: http.StatusConflict},
		{name: "failure", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakeCrawls{err: tt.err})

			rec := serve(t, srv.Handler(), http.MethodPost, "/v1/crawl", nil)

			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), tt.err.Error())
		})
	}
}

func TestServer_RunCrawlWithoutWaiting(t *testing.T) {
	t.Parallel()

	crawls := &fakeCrawls{}
	srv := newTestServer(t, crawls)

	rec := serve(t, srv.Handler(), http.MethodPost, "/v1/crawl?wait=false", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return crawls.calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_CrawlState(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeCrawls{running: true})

	rec := serve(t, srv.Handler(), http.MethodGet, "/v1/crawl", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"running":true}`, rec.Body.String())
}

func TestServer_CrawlEventsStreamsState(t *testing.T) {
	t.Parallel()

	states := make(chan bool, 2)
	states <- false
	states <- true
	crawls := &fakeCrawls{states: states}
	ts := httptest.NewServer(newTestServer(t, crawls).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/crawl/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test body

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(data) < 2 {
		if v, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			data = append(data, v)
		}
	}
	require.Equal(t, []string{"false", "true"}, data)
	cancel()
	require.Eventually(t, crawls.unsubscribed, time.Second, 5*time.Millisecond)
}

func TestServer_CrawlStats(t *testing.T) {
	t.Parallel()

	repo := memory.New()
	ctx := context.Background()
	for i, threads := range []int{4, 2} {
		a := entity.Activity{ID: fmt.Sprintf("act-%d", i), Type: entity.ActivityCrawling, StartTime: time.Unix(int64(i), 0)}
		require.NoError(t, repo.CreateActivity(ctx, a))
		require.NoError(t, repo.FinishActivity(ctx, a.ID, entity.ActivityOutcome{
			IsSuccess:      true,
			EndTime:        time.Unix(int64(i)+1, 0),
			CrawlingResult: &entity.CrawlingResult{ThreadsCreated: threads, PostsCreated: 10},
		}))
	}
	srv := NewServer(&fakeCrawls{}, repo, nil, Options{}, zap.NewNop())

	rec := serve(t, srv.Handler(), http.MethodGet, "/v1/crawl/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got entity.CrawlingStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.TotalLogs)
	assert.InDelta(t, 3.0, got.AvgThreadsPerRun, 0.001)
	assert.InDelta(t, 10.0, got.AvgPostsPerRun, 0.001)
}

func TestServer_ActualURL(t *testing.T) {
	t.Parallel()

	crawls := &fakeCrawls{crawlers: map[int64]crawler.Crawler{1: &stubCrawler{watcher: entity.Watcher{ID: 1}}}}
	h := newTestServer(t, crawls).Handler()

	tests := []struct {
		name string
		path string
		want int
		body string
	}{
		{name: "canonical", path: "/v1/watchers/1/actual-url?url=https://boards.4chan.org/g/thread/1%23p2", want: http.StatusOK, body: `{"url":"https://boards.4chan.org/g/thread/1"}`},
		{name: "missing url", path: "/v1/watchers/1/actual-url", want: http.StatusBadRequest},
		{name: "foreign url", path: "/v1/watchers/1/actual-url?url=https://example.com", want: http.StatusUnprocessableEntity},
		{name: "bad watcher id", path: "/v1/watchers/abc/actual-url?url=x", want: http.StatusBadRequest},
		{name: "unknown watcher", path: "/v1/watchers/9/actual-url?url=x", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, h, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				require.JSONEq(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestServer_PinsAndExclusions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New()
	w, err := repo.CreateWatcher(ctx, entity.Watcher{Name: "tech", Type: "four-chan"}, nil, nil)
	require.NoError(t, err)
	crawls := &fakeCrawls{crawlers: map[int64]crawler.Crawler{w.ID: &stubCrawler{watcher: w}}}
	h := NewServer(crawls, repo, nil, Options{}, zap.NewNop()).Handler()
	base := fmt.Sprintf("/v1/watchers/%d", w.ID)

	rec := serve(t, h, http.MethodPost, base+"/threads", []byte(`{"url":"https://boards.4chan.org/g/thread/7#p8"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var pin pinDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pin))
	assert.Equal(t, "https://boards.4chan.org/g/thread/7", pin.URL)
	assert.Equal(t, w.ID, pin.WatcherID)

	rec = serve(t, h, http.MethodPost, base+"/threads", []byte(`{"url":"https://example.com/7"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = serve(t, h, http.MethodPost, base+"/threads", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, base+"/threads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Threads []pinDTO `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Threads, 1)
	assert.Equal(t, pin.ID, list.Threads[0].ID)

	rec = serve(t, h, http.MethodPost, base+"/exclusions", []byte(`{"threadId":"thread-7"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	excluded, err := repo.ListExcludedThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []entity.ExcludedThread{{WatcherID: w.ID, ThreadID: "thread-7"}}, excluded)

	rec = serve(t, h, http.MethodPost, base+"/exclusions", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AttachmentFile(t *testing.T) {
	t.Parallel()

	srv, _ := newAttachmentServer(t)
	h := srv.Handler()

	rec := serve(t, h, http.MethodGet, "/v1/attachments/att-1/file", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "0123456789", rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/v1/attachments/att-1/thumbnail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "thumb", rec.Body.String())

	rec = serve(t, h, http.MethodGet, "/v1/attachments/missing/file", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodGet, "/v1/attachments/att-2/file", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AttachmentRange(t *testing.T) {
	t.Parallel()

	srv, _ := newAttachmentServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/attachments/att-1/file", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, "2345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/attachments/att-1/file", nil)
	req.Header.Set("Range", "bytes=20-")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))
}

func TestServer_AttachmentWithoutBackend(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, nil).Handler(), http.MethodGet, "/v1/attachments/att-1/file", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header  string
		want    *storage.Range
		wantErr bool
	}{
		{header: "", want: nil},
		{header: "bytes=0-0", want: &storage.Range{Start: 0, End: 0}},
		{header: "bytes=2-5", want: &storage.Range{Start: 2, End: 5}},
		{header: "bytes=4-", want: &storage.Range{Start: 4, End: 9}},
		{header: "bytes=8-100", want: &storage.Range{Start: 8, End: 9}},
		{header: "bytes=-3", want: &storage.Range{Start: 7, End: 9}},
		{header: "bytes=-30", want: &storage.Range{Start: 0, End: 9}},
		{header: "bytes=10-", wantErr: true},
		{header: "bytes=5-2", wantErr: true},
		{header: "bytes=-0", wantErr: true},
		{header: "bytes=0-1,4-5", wantErr: true},
		{header: "items=0-1", wantErr: true},
		{header: "bytes=abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			t.Parallel()
			got, err := parseRange(tt.header, 10)
			if tt.wantErr {
				require.ErrorIs(t, err, errUnsatisfiableRange)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

func serve(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, crawls *fakeCrawls) *Server {
	t.Helper()
	if crawls == nil {
		crawls = &fakeCrawls{}
	}
	return NewServer(crawls, memory.New(), nil, Options{}, zap.NewNop())
}

func newAttachmentServer(t *testing.T) (*Server, *memory.Repository) {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	blobs := storagememory.NewBlobStore(nil)

	require.NoError(t, repo.UpsertAttachment(ctx, store.AttachmentRecord{Attachment: entity.Attachment{ID: "att-1", Extension: ".png"}}))
	require.NoError(t, repo.UpdateAttachmentFiles(ctx, "att-1", "memory://files/att-1.png", "memory://thumbs/att-1.jpg", "image/png"))
	blobs.Put("memory://files/att-1.png", []byte("0123456789"))
	blobs.Put("memory://thumbs/att-1.jpg", []byte("thumb"))

	// recorded but never downloaded
	require.NoError(t, repo.UpsertAttachment(ctx, store.AttachmentRecord{Attachment: entity.Attachment{ID: "att-2"}}))

	return NewServer(&fakeCrawls{}, repo, blobs, Options{}, zap.NewNop()), repo
}

type fakeCrawls struct {
	summary  orchestrator.Summary
	err      error
	running  bool
	states   chan bool
	crawlers map[int64]crawler.Crawler

	mu     sync.Mutex
	runs   int
	closed bool
}

func (f *fakeCrawls) RunCycle(context.Context) (orchestrator.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.summary, f.err
}

func (f *fakeCrawls) IsRunning() bool { return f.running }

func (f *fakeCrawls) Subscribe() (<-chan bool, func()) {
	if f.states == nil {
		f.states = make(chan bool, 1)
	}
	return f.states, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true
	}
}

func (f *fakeCrawls) CrawlerByWatcher(id int64) (crawler.Crawler, bool) {
	c, ok := f.crawlers[id]
	return c, ok
}

func (f *fakeCrawls) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeCrawls) unsubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type stubCrawler struct {
	watcher entity.Watcher
}

func (s *stubCrawler) Matches(entity.MatchTarget) bool { return false }

func (s *stubCrawler) Watcher() entity.Watcher { return s.watcher }

func (s *stubCrawler) Type() string { return "four-chan" }

func (s *stubCrawler) Watch(context.Context, []entity.WatcherThread, []string) (crawler.Result, error) {
	return crawler.Result{}, nil
}

func (s *stubCrawler) ActualURL(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "https://boards.4chan.org/") {
		return "", false
	}
	actual, _, _ := strings.Cut(raw, "#")
	return actual, true
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
