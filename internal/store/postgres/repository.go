// Package postgres provides the Postgres-backed Repository.
package postgres

import (
	"context"
	_ "embed" // schema.sql
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the repository.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Repository implements store.Repository on Postgres.
type Repository struct {
	pool pool
}

var _ store.Repository = (*Repository)(nil)

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Schema != "" {
		if !validSchemaName.MatchString(cfg.Schema) {
			return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
		}
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p}, nil
}

// NewWithPool constructs a repository from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates any missing tables and indexes.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertBoards inserts or refreshes boards by identity.
func (r *Repository) UpsertBoards(ctx context.Context, boards []entity.RawBoard) error {
	const query = `
INSERT INTO boards (id, namespace, provider, code, title, description)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title, description = EXCLUDED.description`
	for _, b := range boards {
		if _, err := r.pool.Exec(ctx, query,
			entity.BoardID(b), b.Namespace, b.Provider, b.Code, b.Title, b.Description,
		); err != nil {
			return fmt.Errorf("upsert board %s: %w", entity.BoardID(b), err)
		}
	}
	return nil
}

// MarkAllThreadsArchived flags every thread as archived.
func (r *Repository) MarkAllThreadsArchived(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE threads SET is_archived = TRUE`); err != nil {
		return fmt.Errorf("archive threads: %w", err)
	}
	return nil
}

// UpsertThread inserts or updates a thread and connects its watchers and attachments.
func (r *Repository) UpsertThread(ctx context.Context, rec store.ThreadRecord) error {
	const query = `
INSERT INTO threads (
	id, no, author, title, content, created_at, bumped_at,
	is_archived, post_count, attachment_count, board_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	author = EXCLUDED.author,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	bumped_at = EXCLUDED.bumped_at,
	is_archived = EXCLUDED.is_archived,
	post_count = EXCLUDED.post_count,
	attachment_count = EXCLUDED.attachment_count`
	t := rec.Thread
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			t.ID, t.No, t.Author, nullable(t.Title), nullable(t.Content), t.CreatedAt, t.BumpedAt,
			t.IsArchived, t.PostCount, t.AttachmentCount, t.BoardID,
		); err != nil {
			return fmt.Errorf("upsert thread %s: %w", t.ID, err)
		}
		if len(rec.WatcherIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO thread_watchers (thread_id, watcher_id)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING`, t.ID, rec.WatcherIDs); err != nil {
				return fmt.Errorf("connect thread watchers %s: %w", t.ID, err)
			}
		}
		if len(rec.AttachmentIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO thread_attachments (thread_id, attachment_id)
SELECT $1, unnest($2::text[])
ON CONFLICT DO NOTHING`, t.ID, rec.AttachmentIDs); err != nil {
				return fmt.Errorf("connect thread attachments %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// DeleteThreads removes threads; relation rows cascade.
func (r *Repository) DeleteThreads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM threads WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete threads: %w", err)
	}
	return nil
}

// UpsertPost inserts or updates a post and connects its attachments.
func (r *Repository) UpsertPost(ctx context.Context, rec store.PostRecord) error {
	const query = `
INSERT INTO posts (id, no, author, title, content, created_at, thread_id, board_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	author = EXCLUDED.author,
	title = EXCLUDED.title,
	content = EXCLUDED.content`
	p := rec.Post
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			p.ID, p.No, p.Author, nullable(p.Title), nullable(p.Content), p.CreatedAt, p.ThreadID, p.BoardID,
		); err != nil {
			return fmt.Errorf("upsert post %s: %w", p.ID, err)
		}
		if len(rec.AttachmentIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO post_attachments (post_id, attachment_id)
SELECT $1, unnest($2::text[])
ON CONFLICT DO NOTHING`, p.ID, rec.AttachmentIDs); err != nil {
				return fmt.Errorf("connect post attachments %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// DeletePosts removes posts; attachment links cascade.
func (r *Repository) DeletePosts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM posts WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}

// UpsertAttachment inserts or updates attachment metadata and connects watchers.
// File location columns are never written here.
func (r *Repository) UpsertAttachment(ctx context.Context, rec store.AttachmentRecord) error {
	const query = `
INSERT INTO attachments (
	id, name, size, width, height, hash, extension, timestamp,
	thumbnail_width, thumbnail_height, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	size = EXCLUDED.size,
	width = EXCLUDED.width,
	height = EXCLUDED.height,
	hash = EXCLUDED.hash,
	extension = EXCLUDED.extension,
	timestamp = EXCLUDED.timestamp,
	thumbnail_width = EXCLUDED.thumbnail_width,
	thumbnail_height = EXCLUDED.thumbnail_height`
	a := rec.Attachment
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			a.ID, a.Name, a.Size, a.Width, a.Height, a.Hash, a.Extension, a.Timestamp,
			a.ThumbnailWidth, a.ThumbnailHeight, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert attachment %s: %w", a.ID, err)
		}
		if len(rec.WatcherIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO attachment_watchers (attachment_id, watcher_id)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING`, a.ID, rec.WatcherIDs); err != nil {
				return fmt.Errorf("connect attachment watchers %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetAttachment loads one attachment or returns store.ErrNotFound.
func (r *Repository) GetAttachment(ctx context.Context, id string) (entity.Attachment, error) {
	const query = `
SELECT id, name, size, width, height, hash, extension, timestamp,
	thumbnail_width, thumbnail_height, created_at,
	COALESCE(file_uri, ''), COALESCE(thumbnail_file_uri, ''), COALESCE(mime, ''), favorite
FROM attachments WHERE id = $1`
	var a entity.Attachment
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Size, &a.Width, &a.Height, &a.Hash, &a.Extension, &a.Timestamp,
		&a.ThumbnailWidth, &a.ThumbnailHeight, &a.CreatedAt,
		&a.FileURI, &a.ThumbnailFileURI, &a.Mime, &a.Favorite,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Attachment{}, store.ErrNotFound
	}
	if err != nil {
		return entity.Attachment{}, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return a, nil
}

// UpdateAttachmentFiles records where the downloaded files live.
func (r *Repository) UpdateAttachmentFiles(ctx context.Context, id, fileURI, thumbnailURI, mime string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE attachments SET file_uri = $1, thumbnail_file_uri = $2, mime = $3 WHERE id = $4`,
		nullable(fileURI), nullable(thumbnailURI), nullable(mime), id)
	if err != nil {
		return fmt.Errorf("update attachment files %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteAttachment removes an attachment; links cascade.
func (r *Repository) DeleteAttachment(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	return nil
}

// ListWatchers returns watchers ordered by id.
func (r *Repository) ListWatchers(ctx context.Context) ([]entity.Watcher, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, type, config FROM watchers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	defer rows.Close()
	var out []entity.Watcher
	for rows.Next() {
		var (
			w   entity.Watcher
			cfg []byte
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.Type, &cfg); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		w.Config = json.RawMessage(cfg)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	return out, nil
}

// CreateWatcher inserts a watcher and connects existing threads and attachments.
func (r *Repository) CreateWatcher(
	ctx context.Context,
	w entity.Watcher,
	threadIDs, attachmentIDs []string,
) (entity.Watcher, error) {
	cfg := w.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO watchers (name, type, config) VALUES ($1, $2, $3) RETURNING id`,
			w.Name, w.Type, []byte(cfg),
		).Scan(&w.ID); err != nil {
			return fmt.Errorf("insert watcher %s: %w", w.Name, err)
		}
		if len(threadIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO thread_watchers (thread_id, watcher_id)
SELECT unnest($1::text[]), $2
ON CONFLICT DO NOTHING`, threadIDs, w.ID); err != nil {
				return fmt.Errorf("connect watcher threads %s: %w", w.Name, err)
			}
		}
		if len(attachmentIDs) > 0 {
			if _, err := tx.Exec(ctx, `
INSERT INTO attachment_watchers (attachment_id, watcher_id)
SELECT unnest($1::text[]), $2
ON CONFLICT DO NOTHING`, attachmentIDs, w.ID); err != nil {
				return fmt.Errorf("connect watcher attachments %s: %w", w.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return entity.Watcher{}, err
	}
	w.Config = cfg
	return w, nil
}

// DeleteAllWatchers removes every watcher; pins, exclusions and links cascade.
func (r *Repository) DeleteAllWatchers(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM watchers`); err != nil {
		return fmt.Errorf("delete watchers: %w", err)
	}
	return nil
}

// ListExcludedThreads returns every exclusion.
func (r *Repository) ListExcludedThreads(ctx context.Context) ([]entity.ExcludedThread, error) {
	rows, err := r.pool.Query(ctx, `SELECT watcher_id, thread_id FROM excluded_threads`)
	if err != nil {
		return nil, fmt.Errorf("list excluded threads: %w", err)
	}
	defer rows.Close()
	var out []entity.ExcludedThread
	for rows.Next() {
		var ex entity.ExcludedThread
		if err := rows.Scan(&ex.WatcherID, &ex.ThreadID); err != nil {
			return nil, fmt.Errorf("scan excluded thread: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list excluded threads: %w", err)
	}
	return out, nil
}

// ExcludeThread vetoes a thread for a watcher.
func (r *Repository) ExcludeThread(ctx context.Context, watcherID int64, threadID string) error {
	if _, err := r.pool.Exec(ctx, `
INSERT INTO excluded_threads (watcher_id, thread_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, watcherID, threadID); err != nil {
		return fmt.Errorf("exclude thread %s: %w", threadID, err)
	}
	return nil
}

// ListWatcherThreads returns the pins of one watcher ordered by id.
func (r *Repository) ListWatcherThreads(ctx context.Context, watcherID int64) ([]entity.WatcherThread, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, url, watcher_id, COALESCE(thread_id, ''), is_archived
FROM watcher_threads WHERE watcher_id = $1 ORDER BY id`, watcherID)
	if err != nil {
		return nil, fmt.Errorf("list watcher threads: %w", err)
	}
	defer rows.Close()
	var out []entity.WatcherThread
	for rows.Next() {
		var pin entity.WatcherThread
		if err := rows.Scan(&pin.ID, &pin.URL, &pin.WatcherID, &pin.ThreadID, &pin.IsArchived); err != nil {
			return nil, fmt.Errorf("scan watcher thread: %w", err)
		}
		out = append(out, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list watcher threads: %w", err)
	}
	return out, nil
}

// CreateWatcherThread pins a url to a watcher.
func (r *Repository) CreateWatcherThread(ctx context.Context, watcherID int64, url string) (entity.WatcherThread, error) {
	pin := entity.WatcherThread{URL: url, WatcherID: watcherID}
	if err := r.pool.QueryRow(ctx,
		`INSERT INTO watcher_threads (url, watcher_id) VALUES ($1, $2) RETURNING id`,
		url, watcherID,
	).Scan(&pin.ID); err != nil {
		return entity.WatcherThread{}, fmt.Errorf("create watcher thread: %w", err)
	}
	return pin, nil
}

// MarkWatcherThreadsArchived flags pins as archived.
func (r *Repository) MarkWatcherThreadsArchived(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE watcher_threads SET is_archived = TRUE WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("archive watcher threads: %w", err)
	}
	return nil
}

// ConnectWatcherThreads links pins to resolved threads and clears their archived flag.
func (r *Repository) ConnectWatcherThreads(ctx context.Context, resolved map[int64]string) error {
	if len(resolved) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(resolved))
	for id := range resolved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return r.inTx(ctx, func(tx pgx.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(ctx,
				`UPDATE watcher_threads SET thread_id = $1, is_archived = FALSE WHERE id = $2`,
				resolved[id], id,
			); err != nil {
				return fmt.Errorf("connect watcher thread %d: %w", id, err)
			}
		}
		return nil
	})
}

// CreateActivity stores an open activity.
func (r *Repository) CreateActivity(ctx context.Context, a entity.Activity) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO activity_logs (id, activity_type, start_time) VALUES ($1, $2, $3)`,
		a.ID, a.Type, a.StartTime,
	); err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

// FinishActivity attaches an outcome to an activity.
func (r *Repository) FinishActivity(ctx context.Context, id string, outcome entity.ActivityOutcome) error {
	var (
		result any
		err    error
	)
	switch {
	case outcome.CrawlingResult != nil:
		result, err = json.Marshal(outcome.CrawlingResult)
	case outcome.DownloadResult != nil:
		result, err = json.Marshal(outcome.DownloadResult)
	}
	if err != nil {
		return fmt.Errorf("marshal activity result: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE activity_logs SET end_time = $1, is_success = $2, error_message = $3, result = $4
WHERE id = $5`, outcome.EndTime, outcome.IsSuccess, nullable(outcome.ErrorMessage), result, id)
	if err != nil {
		return fmt.Errorf("finish activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListActivities returns the newest matching activities first.
func (r *Repository) ListActivities(ctx context.Context, filter store.ActivityFilter) ([]entity.ActivityRecord, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id::text, activity_type, start_time, end_time, COALESCE(is_success, FALSE),
	COALESCE(error_message, ''), result
FROM activity_logs
WHERE ($1 = '' OR activity_type = $1)
	AND (NOT $2::boolean OR COALESCE(is_success, FALSE))
ORDER BY start_time DESC
LIMIT NULLIF($3, 0)`, filter.Type, filter.SuccessOnly, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []entity.ActivityRecord
	for rows.Next() {
		var (
			rec     entity.ActivityRecord
			endTime *time.Time
			success bool
			errMsg  string
			result  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.StartTime, &endTime, &success, &errMsg, &result); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if endTime != nil {
			outcome, err := decodeOutcome(rec.Type, *endTime, success, errMsg, result)
			if err != nil {
				return nil, err
			}
			rec.Outcome = outcome
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

func decodeOutcome(activityType string, end time.Time, success bool, errMsg string, result []byte) (*entity.ActivityOutcome, error) {
	outcome := &entity.ActivityOutcome{IsSuccess: success, ErrorMessage: errMsg, EndTime: end}
	if len(result) == 0 {
		return outcome, nil
	}
	kind, _, _ := strings.Cut(activityType, ":")
	switch kind {
	case entity.ActivityCrawling:
		outcome.CrawlingResult = &entity.CrawlingResult{}
		if err := json.Unmarshal(result, outcome.CrawlingResult); err != nil {
			return nil, fmt.Errorf("decode crawling result: %w", err)
		}
	case entity.ActivityAttachmentDownload:
		outcome.DownloadResult = &entity.AttachmentDownloadResult{}
		if err := json.Unmarshal(result, outcome.DownloadResult); err != nil {
			return nil, fmt.Errorf("decode download result: %w", err)
		}
	}
	return outcome, nil
}

// CountEntities returns the current thread, post and attachment totals.
func (r *Repository) CountEntities(ctx context.Context) (entity.Statistic, error) {
	var stat entity.Statistic
	if err := r.pool.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM threads),
	(SELECT count(*) FROM posts),
	(SELECT count(*) FROM attachments),
	(SELECT COALESCE(sum(size), 0)::bigint FROM attachments)`,
	).Scan(&stat.ThreadCount, &stat.PostCount, &stat.AttachmentCount, &stat.TotalSize); err != nil {
		return entity.Statistic{}, fmt.Errorf("count entities: %w", err)
	}
	return stat, nil
}

// InsertStatistic stores a snapshot.
func (r *Repository) InsertStatistic(ctx context.Context, stat entity.Statistic) error {
	if _, err := r.pool.Exec(ctx, `
INSERT INTO statistics (thread_count, post_count, attachment_count, total_size, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		stat.ThreadCount, stat.PostCount, stat.AttachmentCount, stat.TotalSize, stat.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert statistic: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
