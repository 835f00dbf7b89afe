package watcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/crawler/fourchan"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/store"
	"github.com/JakeFAU/cabinet/internal/store/memory"
)

func watcherConfig(t *testing.T, name, query string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"name":     name,
		"type":     fourchan.Type,
		"endpoint": "https://a.4cdn.org",
		"entries": []map[string]any{{
			"boards":  []string{"g"},
			"target":  "title",
			"queries": []map[string]any{{"type": "text", "query": query}},
		}},
	})
	require.NoError(t, err)
	return raw
}

func seed(t *testing.T, repo *memory.Repository) {
	t.Helper()
	ctx := context.Background()
	board := entity.RawBoard{Namespace: "a.4cdn.org", Provider: fourchan.Type, Code: "g"}
	require.NoError(t, repo.UpsertBoards(ctx, []entity.RawBoard{board}))
	boardID := entity.BoardID(board)

	for _, id := range []string{"op-img", "reply-img", "other-img"} {
		require.NoError(t, repo.UpsertAttachment(ctx, store.AttachmentRecord{Attachment: entity.Attachment{ID: id}}))
	}
	require.NoError(t, repo.UpsertThread(ctx, store.ThreadRecord{
		Thread:        entity.Thread{ID: boardID + "::1", No: 1, Title: "linux general", BoardID: boardID, BoardCode: "g"},
		AttachmentIDs: []string{"op-img"},
	}))
	require.NoError(t, repo.UpsertPost(ctx, store.PostRecord{
		Post:          entity.Post{ID: boardID + "::1::2", No: 2, ThreadID: boardID + "::1", BoardID: boardID},
		AttachmentIDs: []string{"reply-img", "op-img"},
	}))
	require.NoError(t, repo.UpsertThread(ctx, store.ThreadRecord{
		Thread:        entity.Thread{ID: boardID + "::3", No: 3, Title: "windows thread", BoardID: boardID, BoardCode: "g"},
		AttachmentIDs: []string{"other-img"},
	}))
}

func newService() (*Service, *memory.Repository) {
	repo := memory.New()
	registry := crawler.NewRegistry()
	fourchan.Register(registry)
	return NewService(repo, registry, nil), repo
}

func TestSyncConnectsMatchedThreads(t *testing.T) {
	t.Parallel()

	svc, repo := newService()
	seed(t, repo)

	watchers, err := svc.Sync(context.Background(), []Definition{
		{Name: "linux", Type: fourchan.Type, Config: watcherConfig(t, "linux", "linux")},
	}, ModeKeep)
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	id := watchers[0].ID
	assert.NotZero(t, id)

	assert.Equal(t, []int64{id}, repo.ThreadWatchers("a.4cdn.org::four-chan::g::1"))
	assert.Empty(t, repo.ThreadWatchers("a.4cdn.org::four-chan::g::3"))
	assert.Equal(t, []int64{id}, repo.AttachmentWatchers("op-img"))
	assert.Equal(t, []int64{id}, repo.AttachmentWatchers("reply-img"))
	assert.Empty(t, repo.AttachmentWatchers("other-img"))
}

func TestSyncKeepLeavesExistingRows(t *testing.T) {
	t.Parallel()

	svc, repo := newService()
	ctx := context.Background()
	first, err := svc.Sync(ctx, []Definition{
		{Name: "linux", Type: fourchan.Type, Config: watcherConfig(t, "linux", "linux")},
	}, ModeKeep)
	require.NoError(t, err)

	updated := watcherConfig(t, "linux", "bsd")
	second, err := svc.Sync(ctx, []Definition{
		{Name: "linux", Type: fourchan.Type, Config: updated},
		{Name: "windows", Type: fourchan.Type, Config: watcherConfig(t, "windows", "windows")},
	}, ModeKeep)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.JSONEq(t, string(updated), string(second[0].Config))

	rows, err := repo.ListWatchers(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSyncResetRecreatesRows(t *testing.T) {
	t.Parallel()

	svc, repo := newService()
	ctx := context.Background()
	defs := []Definition{{Name: "linux", Type: fourchan.Type, Config: watcherConfig(t, "linux", "linux")}}
	first, err := svc.Sync(ctx, defs, ModeReset)
	require.NoError(t, err)
	second, err := svc.Sync(ctx, defs, ModeReset)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	rows, err := repo.ListWatchers(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSyncErrors(t *testing.T) {
	t.Parallel()

	svc, _ := newService()
	ctx := context.Background()
	cfg := watcherConfig(t, "linux", "linux")

	_, err := svc.Sync(ctx, []Definition{
		{Name: "linux", Type: fourchan.Type, Config: cfg},
		{Name: "linux", Type: fourchan.Type, Config: cfg},
	}, ModeKeep)
	require.EqualError(t, err, `watcher with name "linux" already exists`)

	_, err = svc.Sync(ctx, []Definition{{Name: "x", Type: "gopher", Config: cfg}}, ModeKeep)
	require.ErrorIs(t, err, crawler.ErrUnknownType)

	_, err = svc.Sync(ctx, nil, Mode("merge"))
	require.ErrorContains(t, err, "unknown watcher sync mode")
}
