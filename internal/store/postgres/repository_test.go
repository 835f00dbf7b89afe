package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/store"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	_, err = New(context.Background(), Config{DSN: "postgres://localhost/db", Schema: "bad-name;"})
	require.ErrorContains(t, err, "invalid schema name")
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS boards").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, repo.Ping(context.Background()))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.ErrorContains(t, repo.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertThreadConnectsRelations(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	now := time.Unix(1700000000, 0).UTC()
	rec := store.ThreadRecord{
		Thread: entity.Thread{
			ID: "a.4cdn.org::four-chan::g::1", No: 1, Title: "subject",
			CreatedAt: now, BumpedAt: now, BoardID: "a.4cdn.org::four-chan::g",
		},
		WatcherIDs:    []int64{7},
		AttachmentIDs: []string{"hash=="},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO threads").
		WithArgs(rec.ID, rec.No, "", pgxmock.AnyArg(), pgxmock.AnyArg(), now, now, false, 0, 0, rec.BoardID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO thread_watchers").
		WithArgs(rec.ID, rec.WatcherIDs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO thread_attachments").
		WithArgs(rec.ID, rec.AttachmentIDs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpsertThread(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPostRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO posts").
		WillReturnError(boom)
	mock.ExpectRollback()

	err := repo.UpsertPost(context.Background(), store.PostRecord{Post: entity.Post{ID: "p"}})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttachmentNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM attachments WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetAttachment(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAttachmentFilesNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE attachments SET file_uri").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateAttachmentFiles(context.Background(), "a", "file:///a", "", "image/png")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListWatchers(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT id, name, type, config FROM watchers").
		WillReturnRows(mock.NewRows([]string{"id", "name", "type", "config"}).
			AddRow(int64(1), "wallpapers", "four-chan", []byte(`{"entries":[]}`)))

	got, err := repo.ListWatchers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "wallpapers", got[0].Name)
	require.JSONEq(t, `{"entries":[]}`, string(got[0].Config))
}

func TestCreateWatcherReturnsID(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO watchers").
		WithArgs("w", "four-chan", []byte(`{}`)).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO thread_watchers").
		WithArgs([]string{"t1"}, int64(42)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	w, err := repo.CreateWatcher(context.Background(), entity.Watcher{Name: "w", Type: "four-chan"}, []string{"t1"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(42), w.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListThreadGraphAssemblesRelations(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM threads t JOIN boards b").
		WillReturnRows(mock.NewRows([]string{
			"id", "no", "author", "title", "content", "created_at", "bumped_at",
			"is_archived", "post_count", "attachment_count", "board_id", "code",
		}).
			AddRow("t1", int64(1), "Anonymous", "wallpapers", "", now, now, true, 1, 1, "b", "wg"))
	mock.ExpectQuery("FROM thread_watchers").
		WillReturnRows(mock.NewRows([]string{"thread_id", "watcher_id"}).AddRow("t1", int64(3)))
	mock.ExpectQuery("FROM watcher_threads").
		WillReturnRows(mock.NewRows([]string{"thread_id", "count"}).AddRow("t1", 2))
	mock.ExpectQuery("FROM posts").
		WillReturnRows(mock.NewRows([]string{"thread_id", "id"}).AddRow("t1", "t1::2"))
	mock.ExpectQuery("FROM thread_attachments").
		WillReturnRows(mock.NewRows([]string{"thread_id", "attachment_id"}).AddRow("t1", "a"))
	mock.ExpectQuery("FROM post_attachments").
		WillReturnRows(mock.NewRows([]string{"post_id", "attachment_id"}).AddRow("t1::2", "a"))

	nodes, err := repo.ListThreadGraph(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	node := nodes[0]
	require.Equal(t, "wg", node.BoardCode)
	require.Equal(t, []int64{3}, node.WatcherIDs)
	require.Equal(t, 2, node.ActivePins)
	want := entity.AttachmentRef{ID: "a", ThreadIDs: []string{"t1"}, PostIDs: []string{"t1::2"}}
	require.Equal(t, []entity.AttachmentRef{want}, node.Attachments)
	require.Equal(t, []entity.PostNode{{ID: "t1::2", Attachments: []entity.AttachmentRef{want}}}, node.Posts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActivitiesDecodesOutcome(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Minute)
	mock.ExpectQuery("FROM activity_logs").
		WithArgs(entity.ActivityCrawling, false, 10).
		WillReturnRows(mock.NewRows([]string{"id", "type", "start", "end", "ok", "err", "result"}).
			AddRow("id-2", entity.ActivityCrawling, start, &end, true, "", []byte(`{"threadsCreated":3}`)).
			AddRow("id-1", entity.ActivityCrawling, start, (*time.Time)(nil), false, "", []byte(nil)))

	got, err := repo.ListActivities(context.Background(), store.ActivityFilter{Type: entity.ActivityCrawling, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 3, got[0].Outcome.CrawlingResult.ThreadsCreated)
	require.Nil(t, got[1].Outcome)
}

func TestListActivitiesDecodesDownloadOutcome(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Second)
	mock.ExpectQuery("FROM activity_logs").
		WithArgs("", true, 0).
		WillReturnRows(mock.NewRows([]string{"id", "type", "start", "end", "ok", "err", "result"}).
			AddRow("id-1", entity.ActivityAttachmentDownload+":abc", start, &end, true, "",
				[]byte(`{"attachmentId":"abc","retryCount":2,"httpStatusCode":200}`)))

	got, err := repo.ListActivities(context.Background(), store.ActivityFilter{SuccessOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Outcome.DownloadResult)
	require.Equal(t, 2, got[0].Outcome.DownloadResult.RetryCount)
	require.Nil(t, got[0].Outcome.CrawlingResult)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEntities(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT count").
		WillReturnRows(mock.NewRows([]string{"t", "p", "a", "s"}).AddRow(int64(1), int64(2), int64(3), int64(4)))

	stat, err := repo.CountEntities(context.Background())
	require.NoError(t, err)
	require.Equal(t, entity.Statistic{ThreadCount: 1, PostCount: 2, AttachmentCount: 3, TotalSize: 4}, stat)
}
