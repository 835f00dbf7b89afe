package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/cabinet/internal/entity"
)

type pair struct {
	left, right string
}

// ListThreadGraph loads every thread with watchers, active pins, posts and
// attachments including their reverse thread/post links.
func (r *Repository) ListThreadGraph(ctx context.Context) ([]entity.ThreadNode, error) {
	threads, err := r.loadThreads(ctx)
	if err != nil {
		return nil, err
	}
	watchers, err := r.loadThreadWatchers(ctx)
	if err != nil {
		return nil, err
	}
	pins, err := r.loadActivePins(ctx)
	if err != nil {
		return nil, err
	}
	posts, err := r.loadPairs(ctx, `SELECT thread_id, id FROM posts ORDER BY id`, "posts")
	if err != nil {
		return nil, err
	}
	threadAtt, err := r.loadPairs(ctx,
		`SELECT thread_id, attachment_id FROM thread_attachments ORDER BY attachment_id`, "thread attachments")
	if err != nil {
		return nil, err
	}
	postAtt, err := r.loadPairs(ctx,
		`SELECT post_id, attachment_id FROM post_attachments ORDER BY attachment_id`, "post attachments")
	if err != nil {
		return nil, err
	}
	return assembleGraph(threads, watchers, pins, posts, threadAtt, postAtt), nil
}

func assembleGraph(
	threads []entity.Thread,
	watchers map[string][]int64,
	pins map[string]int,
	posts, threadAtt, postAtt []pair,
) []entity.ThreadNode {
	refThreads := map[string][]string{}
	byThread := map[string][]string{}
	for _, p := range threadAtt {
		refThreads[p.right] = append(refThreads[p.right], p.left)
		byThread[p.left] = append(byThread[p.left], p.right)
	}
	refPosts := map[string][]string{}
	byPost := map[string][]string{}
	for _, p := range postAtt {
		refPosts[p.right] = append(refPosts[p.right], p.left)
		byPost[p.left] = append(byPost[p.left], p.right)
	}
	ref := func(id string) entity.AttachmentRef {
		t := append([]string(nil), refThreads[id]...)
		p := append([]string(nil), refPosts[id]...)
		sort.Strings(t)
		sort.Strings(p)
		return entity.AttachmentRef{ID: id, ThreadIDs: t, PostIDs: p}
	}
	postsByThread := map[string][]string{}
	for _, p := range posts {
		postsByThread[p.left] = append(postsByThread[p.left], p.right)
	}

	nodes := make([]entity.ThreadNode, 0, len(threads))
	for _, t := range threads {
		node := entity.ThreadNode{Thread: t, WatcherIDs: watchers[t.ID], ActivePins: pins[t.ID]}
		for _, id := range byThread[t.ID] {
			node.Attachments = append(node.Attachments, ref(id))
		}
		for _, postID := range postsByThread[t.ID] {
			pn := entity.PostNode{ID: postID}
			for _, id := range byPost[postID] {
				pn.Attachments = append(pn.Attachments, ref(id))
			}
			node.Posts = append(node.Posts, pn)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func (r *Repository) loadThreads(ctx context.Context) ([]entity.Thread, error) {
	rows, err := r.pool.Query(ctx, `
SELECT t.id, t.no, t.author, COALESCE(t.title, ''), COALESCE(t.content, ''),
	t.created_at, t.bumped_at, t.is_archived, t.post_count, t.attachment_count,
	t.board_id, b.code
FROM threads t JOIN boards b ON b.id = t.board_id
ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	defer rows.Close()
	var out []entity.Thread
	for rows.Next() {
		var t entity.Thread
		if err := rows.Scan(
			&t.ID, &t.No, &t.Author, &t.Title, &t.Content,
			&t.CreatedAt, &t.BumpedAt, &t.IsArchived, &t.PostCount, &t.AttachmentCount,
			&t.BoardID, &t.BoardCode,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	return out, nil
}

func (r *Repository) loadThreadWatchers(ctx context.Context) (map[string][]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT thread_id, watcher_id FROM thread_watchers ORDER BY watcher_id`)
	if err != nil {
		return nil, fmt.Errorf("load thread watchers: %w", err)
	}
	out := map[string][]int64{}
	var (
		threadID  string
		watcherID int64
	)
	_, err = pgx.ForEachRow(rows, []any{&threadID, &watcherID}, func() error {
		out[threadID] = append(out[threadID], watcherID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load thread watchers: %w", err)
	}
	return out, nil
}

func (r *Repository) loadActivePins(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
SELECT thread_id, count(*)::int FROM watcher_threads
WHERE thread_id IS NOT NULL AND NOT is_archived
GROUP BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("load pins: %w", err)
	}
	out := map[string]int{}
	var (
		threadID string
		count    int
	)
	_, err = pgx.ForEachRow(rows, []any{&threadID, &count}, func() error {
		out[threadID] = count
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pins: %w", err)
	}
	return out, nil
}

func (r *Repository) loadPairs(ctx context.Context, query, what string) ([]pair, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	var (
		out []pair
		p   pair
	)
	_, err = pgx.ForEachRow(rows, []any{&p.left, &p.right}, func() error {
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	return out, nil
}
