// Package gcs implements attachment storage on Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/hash/md5"
	"github.com/JakeFAU/cabinet/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	ProjectID          string `mapstructure:"project_id"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	Endpoint           string `mapstructure:"endpoint"`
	EnsureBucketExists bool   `mapstructure:"ensure_bucket_exists"`
	FileBucketURI      string `mapstructure:"file_bucket_uri"`
	ThumbnailBucketURI string `mapstructure:"thumbnail_bucket_uri"`
}

// objectAPI is the slice of the GCS client the backend needs.
type objectAPI interface {
	BucketAttrs(ctx context.Context, bucket string) (*gcs.BucketAttrs, error)
	CreateBucket(ctx context.Context, bucket, projectID string) error
	Write(ctx context.Context, bucket, object, contentType string, r io.Reader) error
	Attrs(ctx context.Context, bucket, object string) (*gcs.ObjectAttrs, error)
	Delete(ctx context.Context, bucket, object string) error
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
}

// BlobStore writes attachment files to GCS buckets and returns gs:// URIs.
type BlobStore struct {
	api         objectAPI
	cfg         Config
	fetcher     fetcher.Fetcher
	fileBucket  string
	thumbBucket string
	closer      io.Closer
}

var _ storage.Backend = (*BlobStore)(nil)

// New dials GCS using cfg and returns the backend.
func New(ctx context.Context, cfg Config, f fetcher.Fetcher) (*BlobStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := newWithAPI(clientAPI{client: client}, cfg, f)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.closer = client
	return store, nil
}

func newWithAPI(api objectAPI, cfg Config, f fetcher.Fetcher) (*BlobStore, error) {
	if api == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	fileBucket, err := bucketOf(cfg.FileBucketURI)
	if err != nil {
		return nil, fmt.Errorf("storage.gcs.file_bucket_uri: %w", err)
	}
	thumbBucket, err := bucketOf(cfg.ThumbnailBucketURI)
	if err != nil {
		return nil, fmt.Errorf("storage.gcs.thumbnail_bucket_uri: %w", err)
	}
	return &BlobStore{
		api:         api,
		cfg:         cfg,
		fetcher:     f,
		fileBucket:  fileBucket,
		thumbBucket: thumbBucket,
	}, nil
}

// Name identifies the backend.
func (s *BlobStore) Name() string { return "gcs" }

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Initialize creates missing buckets when configured to.
func (s *BlobStore) Initialize(ctx context.Context) error {
	if !s.cfg.EnsureBucketExists {
		return nil
	}
	for _, bucket := range []string{s.fileBucket, s.thumbBucket} {
		_, err := s.api.BucketAttrs(ctx, bucket)
		switch {
		case err == nil:
			continue
		case errors.Is(err, gcs.ErrBucketNotExist):
			if s.cfg.ProjectID == "" {
				return fmt.Errorf("storage.gcs.project_id is required to create bucket %s", bucket)
			}
			if err := s.api.CreateBucket(ctx, bucket, s.cfg.ProjectID); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		default:
			return fmt.Errorf("get bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Save downloads the main file and thumbnail and uploads them.
func (s *BlobStore) Save(ctx context.Context, a entity.RawAttachment) (storage.SaveResult, error) {
	data, err := storage.Download(ctx, s.fetcher, a.URL, a.Headers)
	if err != nil {
		return storage.SaveResult{}, err
	}
	fileKey := storage.FileName(a)
	mime := storage.DetectMime(data)
	if err := s.api.Write(ctx, s.fileBucket, fileKey, mime, bytes.NewReader(data)); err != nil {
		return storage.SaveResult{}, err
	}
	result := storage.SaveResult{
		FileURI: objectURI(s.fileBucket, fileKey),
		Mime:    mime,
		Hash:    md5.Sum(data),
	}
	if a.Thumbnail != nil {
		thumb, err := storage.Download(ctx, s.fetcher, a.Thumbnail.URL, a.Thumbnail.Headers)
		if err != nil {
			return storage.SaveResult{}, err
		}
		thumbKey := storage.ThumbnailName(a)
		if err := s.api.Write(ctx, s.thumbBucket, thumbKey, storage.DetectMime(thumb), bytes.NewReader(thumb)); err != nil {
			return storage.SaveResult{}, err
		}
		result.ThumbnailURI = objectURI(s.thumbBucket, thumbKey)
	}
	return result, nil
}

// Delete removes whichever objects exist.
func (s *BlobStore) Delete(ctx context.Context, loc storage.Location) error {
	for _, uri := range []string{loc.FileURI, loc.ThumbnailURI} {
		if uri == "" {
			continue
		}
		bucket, object, err := parseURI(uri)
		if err != nil {
			return err
		}
		if err := s.api.Delete(ctx, bucket, object); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", uri, err)
		}
	}
	return nil
}

// Exists reports whether the object is present.
func (s *BlobStore) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := s.attrs(ctx, uri)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stream opens the object, optionally restricted to a byte range.
func (s *BlobStore) Stream(ctx context.Context, uri string, rng *storage.Range) (io.ReadCloser, error) {
	bucket, object, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	var offset, length int64 = 0, -1
	if rng != nil {
		offset, length = rng.Start, rng.Length()
	}
	rc, err := s.api.NewRangeReader(ctx, bucket, object, offset, length)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, storage.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", uri, err)
	}
	return rc, nil
}

// Size returns the object's size.
func (s *BlobStore) Size(ctx context.Context, uri string) (int64, error) {
	attrs, err := s.attrs(ctx, uri)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Hash returns the object's stored MD5, base64 encoded.
func (s *BlobStore) Hash(ctx context.Context, uri string) (string, error) {
	attrs, err := s.attrs(ctx, uri)
	if err != nil {
		return "", err
	}
	if len(attrs.MD5) == 0 {
		return "", nil
	}
	return md5.FromRaw(attrs.MD5), nil
}

func (s *BlobStore) attrs(ctx context.Context, uri string) (*gcs.ObjectAttrs, error) {
	bucket, object, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	attrs, err := s.api.Attrs(ctx, bucket, object)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, storage.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object attrs %s: %w", uri, err)
	}
	return attrs, nil
}

func bucketOf(bucketURI string) (string, error) {
	u, err := url.Parse(bucketURI)
	if err != nil {
		return "", fmt.Errorf("parse bucket uri: %w", err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", fmt.Errorf("invalid bucket URI %q: it must start with gs://", bucketURI)
	}
	return u.Host, nil
}

func parseURI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse gcs uri: %w", err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q: it must start with gs://", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func objectURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// clientAPI adapts *gcs.Client to objectAPI.
type clientAPI struct {
	client *gcs.Client
}

func (c clientAPI) BucketAttrs(ctx context.Context, bucket string) (*gcs.BucketAttrs, error) {
	return c.client.Bucket(bucket).Attrs(ctx)
}

func (c clientAPI) CreateBucket(ctx context.Context, bucket, projectID string) error {
	return c.client.Bucket(bucket).Create(ctx, projectID, nil)
}

func (c clientAPI) Write(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	writer := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (c clientAPI) Attrs(ctx context.Context, bucket, object string) (*gcs.ObjectAttrs, error) {
	return c.client.Bucket(bucket).Object(object).Attrs(ctx)
}

func (c clientAPI) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c clientAPI) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	return r, nil
}
