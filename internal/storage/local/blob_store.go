// Package local implements attachment storage on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/hash/md5"
	"github.com/JakeFAU/cabinet/internal/storage"
)

const uriScheme = "file://"

// Config captures the parameters for the filesystem backend. Relative paths
// resolve against the working directory.
type Config struct {
	FilePath      string `mapstructure:"file_path"`
	ThumbnailPath string `mapstructure:"thumbnail_path"`
}

// BlobStore writes attachment files to the local filesystem.
type BlobStore struct {
	fileDir      string
	thumbnailDir string
	fetcher      fetcher.Fetcher

	mu     sync.Mutex
	hashes map[string]string
}

var _ storage.Backend = (*BlobStore)(nil)

// New creates a filesystem-backed store. Directories are created by Initialize.
func New(cfg Config, f fetcher.Fetcher) (*BlobStore, error) {
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, fmt.Errorf("storage.filesystem.file_path is required")
	}
	if strings.TrimSpace(cfg.ThumbnailPath) == "" {
		return nil, fmt.Errorf("storage.filesystem.thumbnail_path is required")
	}
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	fileDir, err := filepath.Abs(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve file path: %w", err)
	}
	thumbDir, err := filepath.Abs(cfg.ThumbnailPath)
	if err != nil {
		return nil, fmt.Errorf("resolve thumbnail path: %w", err)
	}
	return &BlobStore{
		fileDir:      fileDir,
		thumbnailDir: thumbDir,
		fetcher:      f,
		hashes:       make(map[string]string),
	}, nil
}

// Name identifies the backend.
func (s *BlobStore) Name() string { return "filesystem" }

// Initialize ensures both directories exist and are writable.
func (s *BlobStore) Initialize(_ context.Context) error {
	for _, dir := range []string{s.fileDir, s.thumbnailDir} {
		if err := ensureWritableDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat directory %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory", dir)
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// Save downloads the main file and thumbnail and writes them to disk.
func (s *BlobStore) Save(ctx context.Context, a entity.RawAttachment) (storage.SaveResult, error) {
	data, err := storage.Download(ctx, s.fetcher, a.URL, a.Headers)
	if err != nil {
		return storage.SaveResult{}, err
	}
	filePath, err := s.write(s.fileDir, storage.FileName(a), data)
	if err != nil {
		return storage.SaveResult{}, err
	}
	result := storage.SaveResult{
		FileURI: uriScheme + filePath,
		Mime:    storage.DetectMime(data),
		Hash:    md5.Sum(data),
	}
	s.mu.Lock()
	s.hashes[result.FileURI] = result.Hash
	s.mu.Unlock()

	if a.Thumbnail != nil {
		thumb, err := storage.Download(ctx, s.fetcher, a.Thumbnail.URL, a.Thumbnail.Headers)
		if err != nil {
			return storage.SaveResult{}, err
		}
		thumbPath, err := s.write(s.thumbnailDir, storage.ThumbnailName(a), thumb)
		if err != nil {
			return storage.SaveResult{}, err
		}
		result.ThumbnailURI = uriScheme + thumbPath
	}
	return result, nil
}

func (s *BlobStore) write(dir, name string, data []byte) (string, error) {
	fullPath := filepath.Join(dir, name)
	// Clean the path and verify it's within dir to prevent path traversal.
	if !strings.HasPrefix(filepath.Clean(fullPath), filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	tmp := fullPath + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return fullPath, nil
}

// Delete removes whichever files exist.
func (s *BlobStore) Delete(_ context.Context, loc storage.Location) error {
	for _, uri := range []string{loc.FileURI, loc.ThumbnailURI} {
		if uri == "" {
			continue
		}
		if err := os.Remove(pathOf(uri)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", uri, err)
		}
		s.mu.Lock()
		delete(s.hashes, uri)
		s.mu.Unlock()
	}
	return nil
}

// Exists reports whether the file is present.
func (s *BlobStore) Exists(_ context.Context, uri string) (bool, error) {
	_, err := os.Stat(pathOf(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", uri, err)
	}
	return true, nil
}

// Stream opens the file, optionally restricted to a byte range.
func (s *BlobStore) Stream(_ context.Context, uri string, rng *storage.Range) (io.ReadCloser, error) {
	f, err := os.Open(pathOf(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek %s: %w", uri, err)
	}
	return storage.LimitReadCloser(f, rng.Length()), nil
}

// Size returns the file size in bytes.
func (s *BlobStore) Size(_ context.Context, uri string) (int64, error) {
	info, err := os.Stat(pathOf(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, storage.ErrObjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", uri, err)
	}
	return info.Size(), nil
}

// Hash returns the base64 MD5 of the file, cached per URI.
func (s *BlobStore) Hash(_ context.Context, uri string) (string, error) {
	s.mu.Lock()
	cached, ok := s.hashes[uri]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	f, err := os.Open(pathOf(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return "", storage.ErrObjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", uri, err)
	}
	defer func() { _ = f.Close() }()
	sum, err := md5.SumReader(f)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.hashes[uri] = sum
	s.mu.Unlock()
	return sum, nil
}

// pathOf accepts file:// URIs and bare paths recorded by older rows.
func pathOf(uri string) string {
	return strings.TrimPrefix(uri, uriScheme)
}
