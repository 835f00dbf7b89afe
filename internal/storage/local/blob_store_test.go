// Package local_test tests the filesystem attachment backend.
package local_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/hash/md5"
	"github.com/JakeFAU/cabinet/internal/storage"
	"github.com/JakeFAU/cabinet/internal/storage/local"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRpayload")

func newStore(t *testing.T, files map[string][]byte) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	f := fetcher.Func(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		body, ok := files[req.URL]
		if !ok {
			return fetcher.Response{}, &fetcher.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
		}
		return fetcher.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	store, err := local.New(local.Config{
		FilePath:      filepath.Join(dir, "files"),
		ThumbnailPath: filepath.Join(dir, "thumbs"),
	}, f)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	return store, dir
}

func TestNew(t *testing.T) {
	t.Run("MissingPaths", func(t *testing.T) {
		_, err := local.New(local.Config{}, fetcher.Func(nil))
		assert.Error(t, err)
		_, err = local.New(local.Config{FilePath: "files"}, fetcher.Func(nil))
		assert.Error(t, err)
	})

	t.Run("PathIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "testfile")
		require.NoError(t, err)
		t.Cleanup(func() { _ = os.Remove(tempFile.Name()) })

		store, err := local.New(local.Config{FilePath: tempFile.Name(), ThumbnailPath: t.TempDir()}, fetcher.Func(nil))
		require.NoError(t, err)
		assert.Error(t, store.Initialize(context.Background()))
	})

	t.Run("NotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
			_ = os.Chmod(tempDir, 0o700)
		})

		store, err := local.New(local.Config{FilePath: tempDir, ThumbnailPath: tempDir}, fetcher.Func(nil))
		require.NoError(t, err)
		assert.Error(t, store.Initialize(context.Background()))
	})
}

func TestSaveWritesFileAndThumbnail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, dir := newStore(t, map[string][]byte{
		"https://i.4cdn.org/g/1700000000123.png":  pngBytes,
		"https://i.4cdn.org/g/1700000000123s.jpg": []byte("thumb"),
	})
	raw := entity.RawAttachment{
		Name: "cat", Extension: ".png", CreatedAt: 1700000000123,
		URL: "https://i.4cdn.org/g/1700000000123.png",
		Thumbnail: &entity.RawAttachment{
			URL: "https://i.4cdn.org/g/1700000000123s.jpg",
		},
	}

	res, err := store.Save(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "files", "1700000000123.png"), res.FileURI)
	assert.Equal(t, "file://"+filepath.Join(dir, "thumbs", "1700000000123s.jpg"), res.ThumbnailURI)
	assert.Equal(t, "image/png", res.Mime)
	assert.Equal(t, md5.Sum(pngBytes), res.Hash)

	ok, err := store.Exists(ctx, res.FileURI)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := store.Size(ctx, res.FileURI)
	require.NoError(t, err)
	assert.Equal(t, int64(len(pngBytes)), size)

	sum, err := store.Hash(ctx, res.ThumbnailURI)
	require.NoError(t, err)
	assert.Equal(t, md5.Sum([]byte("thumb")), sum)
}

func TestSaveSurfacesDownloadStatus(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, nil)
	_, err := store.Save(context.Background(), entity.RawAttachment{URL: "https://i.4cdn.org/g/1.png", Extension: ".png", CreatedAt: 1})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, storage.StatusCode(err))
}

func TestStreamRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t, map[string][]byte{"https://i.4cdn.org/g/2.txt": []byte("0123456789")})
	res, err := store.Save(ctx, entity.RawAttachment{URL: "https://i.4cdn.org/g/2.txt", Extension: ".txt", CreatedAt: 2})
	require.NoError(t, err)

	rc, err := store.Stream(ctx, res.FileURI, &storage.Range{Start: 2, End: 5})
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "2345", string(b))

	rc, err = store.Stream(ctx, res.FileURI, &storage.Range{Start: 7, End: -1})
	require.NoError(t, err)
	b, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "789", string(b))

	_, err = store.Stream(ctx, "file:///does/not/exist", nil)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestDeleteIgnoresMissingFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newStore(t, map[string][]byte{"https://i.4cdn.org/g/3.png": pngBytes})
	res, err := store.Save(ctx, entity.RawAttachment{URL: "https://i.4cdn.org/g/3.png", Extension: ".png", CreatedAt: 3})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, storage.Location{FileURI: res.FileURI, ThumbnailURI: "file:///missing/3s.jpg"}))
	ok, err := store.Exists(ctx, res.FileURI)
	require.NoError(t, err)
	assert.False(t, ok)
}
