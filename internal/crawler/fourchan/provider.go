package fourchan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
)

const mediaHost = "https://i.4cdn.org"

type apiBoards struct {
	Boards []struct {
		Board           string `json:"board"`
		Title           string `json:"title"`
		MetaDescription string `json:"meta_description"`
	} `json:"boards"`
}

type apiPage struct {
	Threads []apiPost `json:"threads"`
}

type apiThread struct {
	Posts []apiPost `json:"posts"`
}

type apiPost struct {
	No       int64  `json:"no"`
	Sub      string `json:"sub"`
	Com      string `json:"com"`
	Name     string `json:"name"`
	Time     int64  `json:"time"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	MD5      string `json:"md5"`
	Tim      int64  `json:"tim"`
	Fsize    int64  `json:"fsize"`
	W        int    `json:"w"`
	H        int    `json:"h"`
	TnW      int    `json:"tn_w"`
	TnH      int    `json:"tn_h"`
}

// Provider reads boards, threads and posts from the four-chan JSON API.
type Provider struct {
	endpoint string
	host     string
	fetcher  fetcher.Fetcher
	cookie   string
}

// NewProvider builds a Provider for opts.Endpoint.
func NewProvider(opts Options, f fetcher.Fetcher) (*Provider, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	return &Provider{
		endpoint: opts.Endpoint,
		host:     u.Host,
		fetcher:  f,
		cookie:   opts.Cloudflare.Cookie(),
	}, nil
}

func (p *Provider) get(ctx context.Context, v any, elem ...string) error {
	target, err := url.JoinPath(p.endpoint, elem...)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req := fetcher.Request{URL: target, Headers: http.Header{"Accept": {"application/json"}}}
	if p.cookie != "" {
		req.Headers.Set("Cookie", p.cookie)
	}
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("get %s: %w", target, err)
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}

// Boards lists every board of the endpoint.
func (p *Provider) Boards(ctx context.Context) ([]entity.RawBoard, error) {
	var resp apiBoards
	if err := p.get(ctx, &resp, "boards.json"); err != nil {
		return nil, err
	}
	boards := make([]entity.RawBoard, 0, len(resp.Boards))
	for _, b := range resp.Boards {
		boards = append(boards, entity.RawBoard{
			Namespace:   p.host,
			Provider:    Type,
			Code:        b.Board,
			Title:       b.Title,
			Description: b.MetaDescription,
		})
	}
	return boards, nil
}

// Threads lists the live threads of a board's catalog.
func (p *Provider) Threads(ctx context.Context, board entity.RawBoard) ([]entity.RawThread, error) {
	var pages []apiPage
	if err := p.get(ctx, &pages, board.Code, "catalog.json"); err != nil {
		return nil, err
	}
	var threads []entity.RawThread
	for _, page := range pages {
		for _, op := range page.Threads {
			threads = append(threads, p.thread(board, op))
		}
	}
	return threads, nil
}

// Thread fetches one thread by number, live or archived.
func (p *Provider) Thread(ctx context.Context, board entity.RawBoard, no int64) (entity.RawThread, error) {
	var resp apiThread
	if err := p.get(ctx, &resp, board.Code, "thread", strconv.FormatInt(no, 10)+".json"); err != nil {
		return entity.RawThread{}, err
	}
	if len(resp.Posts) == 0 {
		return entity.RawThread{}, fmt.Errorf("thread /%s/%d has no posts", board.Code, no)
	}
	return p.thread(board, resp.Posts[0]), nil
}

// Posts lists every post of a thread, the opening post included.
func (p *Provider) Posts(ctx context.Context, thread entity.RawThread) ([]entity.RawPost, error) {
	var resp apiThread
	if err := p.get(ctx, &resp, thread.Board.Code, "thread", strconv.FormatInt(thread.No, 10)+".json"); err != nil {
		return nil, err
	}
	posts := make([]entity.RawPost, 0, len(resp.Posts))
	for _, post := range resp.Posts {
		posts = append(posts, entity.RawPost{
			Thread:      thread,
			No:          post.No,
			Author:      post.Name,
			Title:       post.Sub,
			Content:     post.Com,
			CreatedAt:   post.Time,
			Attachments: p.attachments(thread.Board, post),
		})
	}
	return posts, nil
}

// ArchivedThreadIDs lists the thread numbers in a board's archive.
func (p *Provider) ArchivedThreadIDs(ctx context.Context, board entity.RawBoard) ([]int64, error) {
	var ids []int64
	if err := p.get(ctx, &ids, board.Code, "archive.json"); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Provider) thread(board entity.RawBoard, op apiPost) entity.RawThread {
	return entity.RawThread{
		Board:       board,
		No:          op.No,
		Author:      op.Name,
		Title:       op.Sub,
		Content:     op.Com,
		CreatedAt:   op.Time,
		Attachments: p.attachments(board, op),
	}
}

// attachments returns the post's file, if it has one. Files are keyed by
// their md5, so a post without one carries no attachment.
func (p *Provider) attachments(board entity.RawBoard, post apiPost) []entity.RawAttachment {
	if post.MD5 == "" {
		return nil
	}
	var headers map[string]string
	if p.cookie != "" {
		headers = map[string]string{"Cookie": p.cookie}
	}
	tim := strconv.FormatInt(post.Tim, 10)
	return []entity.RawAttachment{{
		Board:     board,
		Name:      post.Filename,
		Extension: post.Ext,
		Hash:      post.MD5,
		Size:      post.Fsize,
		Width:     post.W,
		Height:    post.H,
		CreatedAt: post.Tim,
		URL:       fmt.Sprintf("%s/%s/%s%s", mediaHost, board.Code, tim, post.Ext),
		Headers:   headers,
		Thumbnail: &entity.RawAttachment{
			Board:     board,
			Name:      tim + "s",
			Extension: ".jpg",
			Width:     post.TnW,
			Height:    post.TnH,
			CreatedAt: post.Tim,
			URL:       fmt.Sprintf("%s/%s/%ss.jpg", mediaHost, board.Code, tim),
			Headers:   headers,
		},
	}}
}
