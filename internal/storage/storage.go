// Package storage defines the attachment storage backend contract and the
// download helpers shared by its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
)

// SaveResult describes where an attachment's files were stored.
type SaveResult struct {
	FileURI      string
	ThumbnailURI string
	Mime         string
	Hash         string
}

// Location names the stored files of one attachment.
type Location struct {
	FileURI      string
	ThumbnailURI string
}

// Range restricts a read to bytes [Start, End]. A negative End reads to EOF.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered, or -1 when open ended.
func (r Range) Length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// Header renders the range as an HTTP Range header value.
func (r Range) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Backend stores attachment files.
type Backend interface {
	Name() string
	Initialize(ctx context.Context) error
	// Save fetches the main file and, when present, the thumbnail.
	Save(ctx context.Context, attachment entity.RawAttachment) (SaveResult, error)
	// Delete removes whichever of the files exist.
	Delete(ctx context.Context, loc Location) error
	Exists(ctx context.Context, uri string) (bool, error)
	// Stream opens the object, optionally restricted to a byte range.
	Stream(ctx context.Context, uri string, rng *Range) (io.ReadCloser, error)
	Size(ctx context.Context, uri string) (int64, error)
	// Hash returns the base64 MD5 of the stored object, or "" when unknown.
	Hash(ctx context.Context, uri string) (string, error)
}

// ErrObjectNotFound is returned when a URI does not resolve to a stored object.
var ErrObjectNotFound = errors.New("object not found")

// DownloadError reports a non-2xx response while fetching a source file.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status carried by a download or fetch error, or 0.
func StatusCode(err error) int {
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.StatusCode
	}
	return fetcher.StatusCode(err)
}

// Download fetches a source file into memory. Source hosts expect the
// Alt-Used and Upgrade-Insecure-Requests headers a browser would send.
func Download(ctx context.Context, f fetcher.Fetcher, rawURL string, headers map[string]string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse download url: %w", err)
	}
	h := http.Header{}
	h.Set("Alt-Used", u.Host)
	h.Set("Upgrade-Insecure-Requests", "1")
	for k, v := range headers {
		h.Set(k, v)
	}
	resp, err := f.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: h})
	if err != nil {
		if code := fetcher.StatusCode(err); code != 0 {
			return nil, &DownloadError{URL: rawURL, StatusCode: code, Err: err}
		}
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	return resp.Body, nil
}

// DetectMime sniffs the content type of data.
func DetectMime(data []byte) string {
	return mimetype.Detect(data).String()
}

// FileName is the stored name of an attachment's main file.
func FileName(a entity.RawAttachment) string {
	return fmt.Sprintf("%d%s", a.CreatedAt, a.Extension)
}

// ThumbnailName is the stored name of an attachment's thumbnail.
func ThumbnailName(a entity.RawAttachment) string {
	return fmt.Sprintf("%ds.jpg", a.CreatedAt)
}

// LimitReadCloser bounds rc to n bytes while keeping its Close.
func LimitReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	if n < 0 {
		return rc
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(rc, n), rc}
}
