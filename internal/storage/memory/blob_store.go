// Package memory stores attachment files in-memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/hash/md5"
	"github.com/JakeFAU/cabinet/internal/storage"
)

const uriScheme = "memory://"

// BlobStore keeps downloaded files in a map and returns memory:// URIs.
type BlobStore struct {
	fetcher fetcher.Fetcher

	mu    sync.RWMutex
	data  map[string][]byte
	saves int
}

var _ storage.Backend = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store that downloads through f.
func NewBlobStore(f fetcher.Fetcher) *BlobStore {
	return &BlobStore{
		fetcher: f,
		data:    make(map[string][]byte),
	}
}

// Name identifies the backend.
func (s *BlobStore) Name() string { return "memory" }

// Initialize is a no-op.
func (s *BlobStore) Initialize(context.Context) error { return nil }

// Save downloads the main file and thumbnail and keeps copies.
func (s *BlobStore) Save(ctx context.Context, a entity.RawAttachment) (storage.SaveResult, error) {
	data, err := storage.Download(ctx, s.fetcher, a.URL, a.Headers)
	if err != nil {
		return storage.SaveResult{}, err
	}
	result := storage.SaveResult{
		FileURI: uriScheme + "files/" + storage.FileName(a),
		Mime:    storage.DetectMime(data),
		Hash:    md5.Sum(data),
	}
	var thumb []byte
	if a.Thumbnail != nil {
		thumb, err = storage.Download(ctx, s.fetcher, a.Thumbnail.URL, a.Thumbnail.Headers)
		if err != nil {
			return storage.SaveResult{}, err
		}
		result.ThumbnailURI = uriScheme + "thumbnails/" + storage.ThumbnailName(a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[result.FileURI] = append([]byte(nil), data...)
	if result.ThumbnailURI != "" {
		s.data[result.ThumbnailURI] = append([]byte(nil), thumb...)
	}
	s.saves++
	return result, nil
}

// Put stores data directly under uri.
func (s *BlobStore) Put(uri string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[uri] = append([]byte(nil), data...)
}

// Saves reports how many Save calls succeeded.
func (s *BlobStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Delete removes whichever objects exist.
func (s *BlobStore) Delete(_ context.Context, loc storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, loc.FileURI)
	delete(s.data, loc.ThumbnailURI)
	return nil
}

// Exists reports whether uri is stored.
func (s *BlobStore) Exists(_ context.Context, uri string) (bool, error) {
	_, err := s.get(uri)
	return err == nil, nil
}

// Stream returns a reader over a copy of the object.
func (s *BlobStore) Stream(_ context.Context, uri string, rng *storage.Range) (io.ReadCloser, error) {
	data, err := s.get(uri)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		if rng.Start > int64(len(data)) {
			data = nil
		} else {
			data = data[rng.Start:]
		}
		if n := rng.Length(); n >= 0 && n < int64(len(data)) {
			data = data[:n]
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Size returns the object length.
func (s *BlobStore) Size(_ context.Context, uri string) (int64, error) {
	data, err := s.get(uri)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Hash returns the base64 MD5 of the object.
func (s *BlobStore) Hash(_ context.Context, uri string) (string, error) {
	data, err := s.get(uri)
	if err != nil {
		return "", err
	}
	return md5.Sum(data), nil
}

func (s *BlobStore) get(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, storage.ErrObjectNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[uri]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}
