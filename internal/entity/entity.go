// Package entity defines the board/thread/post/attachment graph shared by the
// crawler, orchestrator, collector and attachment pipeline.
package entity

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const idSeparator = "::"

// RawBoard is a board as reported by a provider.
type RawBoard struct {
	Namespace   string `json:"namespace"`
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// RawAttachment is a media file referenced by a thread or post.
type RawAttachment struct {
	Board     RawBoard          `json:"board"`
	Name      string            `json:"name"`
	Extension string            `json:"extension"`
	Hash      string            `json:"hash,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	CreatedAt int64             `json:"createdAt"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Thumbnail *RawAttachment    `json:"thumbnail,omitempty"`
}

// RawThread is a root content item as reported by a provider.
// CreatedAt is a unix timestamp in seconds.
type RawThread struct {
	Board       RawBoard        `json:"board"`
	No          int64           `json:"no"`
	Author      string          `json:"author"`
	Title       string          `json:"title,omitempty"`
	Content     string          `json:"content,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
}

// RawPost is a reply within a thread.
type RawPost struct {
	Thread      RawThread       `json:"thread"`
	No          int64           `json:"no"`
	Author      string          `json:"author"`
	Title       string          `json:"title,omitempty"`
	Content     string          `json:"content,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	Attachments []RawAttachment `json:"attachments,omitempty"`
}

// BoardID returns namespace::provider::code, skipping empty parts.
func BoardID(b RawBoard) string {
	return joinID(b.Namespace, b.Provider, b.Code)
}

// ThreadID returns boardId::no.
func ThreadID(t RawThread) string {
	return joinID(BoardID(t.Board), strconv.FormatInt(t.No, 10))
}

// PostID returns threadId::no.
func PostID(p RawPost) string {
	return joinID(ThreadID(p.Thread), strconv.FormatInt(p.No, 10))
}

// AttachmentID returns the content hash when known, otherwise boardId::name.
func AttachmentID(a RawAttachment) string {
	if a.Hash != "" {
		return a.Hash
	}
	return joinID(BoardID(a.Board), a.Name)
}

func joinID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, idSeparator)
}

// MatchTarget is the subset of a thread that query matching looks at.
type MatchTarget struct {
	BoardCode string
	Title     string
	Content   string
}

// MatchTarget exposes the fields used by query matching.
func (t RawThread) MatchTarget() MatchTarget {
	return MatchTarget{BoardCode: t.Board.Code, Title: t.Title, Content: t.Content}
}

// Board is a persisted board row.
type Board struct {
	ID string
	RawBoard
}

// Thread is a persisted thread row.
type Thread struct {
	ID              string
	No              int64
	Author          string
	Title           string
	Content         string
	CreatedAt       time.Time
	BumpedAt        time.Time
	IsArchived      bool
	PostCount       int
	AttachmentCount int
	BoardID         string
	BoardCode       string
}

// MatchTarget exposes the fields used by query matching.
func (t Thread) MatchTarget() MatchTarget {
	return MatchTarget{BoardCode: t.BoardCode, Title: t.Title, Content: t.Content}
}

// Post is a persisted post row.
type Post struct {
	ID        string
	No        int64
	Author    string
	Title     string
	Content   string
	CreatedAt time.Time
	ThreadID  string
	BoardID   string
}

// Attachment is a persisted attachment row.
type Attachment struct {
	ID               string
	Name             string
	Size             int64
	Width            int
	Height           int
	Hash             string
	Extension        string
	Timestamp        int64
	ThumbnailWidth   int
	ThumbnailHeight  int
	CreatedAt        time.Time
	FileURI          string
	ThumbnailFileURI string
	Mime             string
	Favorite         bool
}

// Watcher is one configured watch rule set.
type Watcher struct {
	ID     int64
	Name   string
	Type   string
	Config json.RawMessage
}

// WatcherThread is a manually pinned thread URL for a watcher.
type WatcherThread struct {
	ID         int64
	URL        string
	WatcherID  int64
	ThreadID   string
	IsArchived bool
}

// ExcludedThread vetoes a thread for one watcher.
type ExcludedThread struct {
	WatcherID int64
	ThreadID  string
}
