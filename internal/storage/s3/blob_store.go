// Package s3 implements attachment storage on S3-compatible object stores.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/fetcher"
	"github.com/JakeFAU/cabinet/internal/hash/md5"
	"github.com/JakeFAU/cabinet/internal/storage"
)

const waitTimeout = 10 * time.Second

// Credentials are static access keys. Empty keys fall back to the default chain.
type Credentials struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// Config captures the parameters for the S3 backend.
type Config struct {
	Region             string      `mapstructure:"region"`
	Credentials        Credentials `mapstructure:"credentials"`
	Endpoint           string      `mapstructure:"endpoint"`
	EnsureBucketExists bool        `mapstructure:"ensure_bucket_exists"`
	BypassExistsCheck  bool        `mapstructure:"bypass_exists_check"`
	FileBucketURI      string      `mapstructure:"file_bucket_uri"`
	ThumbnailBucketURI string      `mapstructure:"thumbnail_bucket_uri"`
}

// api is the subset of the S3 client used by the backend.
type api interface {
	CreateBucket(context.Context, *awss3.CreateBucketInput, ...func(*awss3.Options)) (*awss3.CreateBucketOutput, error)
	HeadBucket(context.Context, *awss3.HeadBucketInput, ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	PutPublicAccessBlock(context.Context, *awss3.PutPublicAccessBlockInput, ...func(*awss3.Options)) (*awss3.PutPublicAccessBlockOutput, error)
	PutBucketPolicy(context.Context, *awss3.PutBucketPolicyInput, ...func(*awss3.Options)) (*awss3.PutBucketPolicyOutput, error)
	PutObject(context.Context, *awss3.PutObjectInput, ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(context.Context, *awss3.DeleteObjectInput, ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadObject(context.Context, *awss3.HeadObjectInput, ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(context.Context, *awss3.GetObjectInput, ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// BlobStore writes attachment files to S3 buckets and returns s3:// URIs.
type BlobStore struct {
	client      api
	cfg         Config
	fetcher     fetcher.Fetcher
	fileBucket  string
	thumbBucket string
	// wait enables the S3 waiters; fake clients in tests leave it off.
	wait bool
}

var _ storage.Backend = (*BlobStore)(nil)

// New builds an S3 client from cfg and returns the backend.
func New(ctx context.Context, cfg Config, f fetcher.Fetcher) (*BlobStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Credentials.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.Credentials.AccessKeyID, cfg.Credentials.SecretAccessKey, cfg.Credentials.SessionToken,
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	store, err := NewWithClient(client, cfg, f)
	if err != nil {
		return nil, err
	}
	store.wait = true
	return store, nil
}

// NewWithClient constructs the backend from an existing client (primarily for testing).
func NewWithClient(client api, cfg Config, f fetcher.Fetcher) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if f == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	fileBucket, err := bucketOf(cfg.FileBucketURI)
	if err != nil {
		return nil, fmt.Errorf("storage.s3.file_bucket_uri: %w", err)
	}
	thumbBucket, err := bucketOf(cfg.ThumbnailBucketURI)
	if err != nil {
		return nil, fmt.Errorf("storage.s3.thumbnail_bucket_uri: %w", err)
	}
	return &BlobStore{
		client:      client,
		cfg:         cfg,
		fetcher:     f,
		fileBucket:  fileBucket,
		thumbBucket: thumbBucket,
	}, nil
}

// Name identifies the backend.
func (s *BlobStore) Name() string { return "s3" }

// Initialize provisions the buckets when configured to.
func (s *BlobStore) Initialize(ctx context.Context) error {
	if !s.cfg.EnsureBucketExists {
		return nil
	}
	for _, bucket := range uniq(s.fileBucket, s.thumbBucket) {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (s *BlobStore) ensureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		var exists *types.BucketAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("bucket %q already exists in another account; bucket names must be globally unique", bucket)
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	if s.wait {
		waiter := awss3.NewBucketExistsWaiter(s.client)
		if err := waiter.Wait(ctx, &awss3.HeadBucketInput{Bucket: aws.String(bucket)}, waitTimeout); err != nil {
			return fmt.Errorf("wait for bucket %s: %w", bucket, err)
		}
	}

	if _, err := s.client.PutPublicAccessBlock(ctx, &awss3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicPolicy: aws.Bool(false),
		},
	}); err != nil {
		return fmt.Errorf("relax public access block on %s: %w", bucket, err)
	}

	policy, err := publicReadPolicy(bucket)
	if err != nil {
		return err
	}
	if _, err := s.client.PutBucketPolicy(ctx, &awss3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(policy),
	}); err != nil {
		return fmt.Errorf("put bucket policy on %s: %w", bucket, err)
	}
	return nil
}

func publicReadPolicy(bucket string) (string, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": "*",
			"Action":    "s3:GetObject",
			"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal bucket policy: %w", err)
	}
	return string(b), nil
}

// Save downloads the main file and thumbnail and uploads them.
func (s *BlobStore) Save(ctx context.Context, a entity.RawAttachment) (storage.SaveResult, error) {
	fileKey := storage.FileName(a)
	mime, sum, err := s.uploadFromURL(ctx, a.URL, a.Headers, s.fileBucket, fileKey)
	if err != nil {
		return storage.SaveResult{}, err
	}
	result := storage.SaveResult{
		FileURI: objectURI(s.fileBucket, fileKey),
		Mime:    mime,
		Hash:    sum,
	}
	if a.Thumbnail != nil {
		thumbKey := storage.ThumbnailName(a)
		if _, _, err := s.uploadFromURL(ctx, a.Thumbnail.URL, a.Thumbnail.Headers, s.thumbBucket, thumbKey); err != nil {
			return storage.SaveResult{}, err
		}
		result.ThumbnailURI = objectURI(s.thumbBucket, thumbKey)
	}
	return result, nil
}

func (s *BlobStore) uploadFromURL(
	ctx context.Context,
	sourceURL string,
	headers map[string]string,
	bucket, key string,
) (string, string, error) {
	data, err := storage.Download(ctx, s.fetcher, sourceURL, headers)
	if err != nil {
		return "", "", err
	}
	mime := storage.DetectMime(data)
	sum := md5.Sum(data)
	if _, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mime),
		ContentMD5:    aws.String(sum),
	}); err != nil {
		return "", "", fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return mime, sum, nil
}

// Delete removes both objects and waits until they are gone.
func (s *BlobStore) Delete(ctx context.Context, loc storage.Location) error {
	for _, uri := range []string{loc.FileURI, loc.ThumbnailURI} {
		if uri == "" {
			continue
		}
		if err := s.deleteObject(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}

func (s *BlobStore) deleteObject(ctx context.Context, uri string) error {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket" {
			return fmt.Errorf("delete object from %s: the bucket doesn't exist", bucket)
		}
		return fmt.Errorf("delete object %s: %w", uri, err)
	}
	if s.wait {
		waiter := awss3.NewObjectNotExistsWaiter(s.client)
		if err := waiter.Wait(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, waitTimeout); err != nil {
			return fmt.Errorf("wait for delete %s: %w", uri, err)
		}
	}
	return nil
}

// Exists reports whether the object is present. With bypass_exists_check
// every URI is assumed present.
func (s *BlobStore) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return false, err
	}
	if s.cfg.BypassExistsCheck {
		return true, nil
	}
	if _, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", uri, err)
	}
	return true, nil
}

// Stream opens the object, optionally restricted to a byte range.
func (s *BlobStore) Stream(ctx context.Context, uri string, rng *storage.Range) (io.ReadCloser, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	in := &awss3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if rng != nil {
		in.Range = aws.String(rng.Header())
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", uri, err)
	}
	if out.Body == nil {
		return nil, fmt.Errorf("no body found for object %s", uri)
	}
	return out.Body, nil
}

// Size returns the object's content length.
func (s *BlobStore) Size(ctx context.Context, uri string) (int64, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, storage.ErrObjectNotFound
		}
		return 0, fmt.Errorf("head object %s: %w", uri, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Hash reads the object and returns its base64 MD5.
func (s *BlobStore) Hash(ctx context.Context, uri string) (string, error) {
	body, err := s.Stream(ctx, uri, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()
	return md5.SumReader(body)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func bucketOf(bucketURI string) (string, error) {
	u, err := url.Parse(bucketURI)
	if err != nil {
		return "", fmt.Errorf("parse bucket uri: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", fmt.Errorf("invalid bucket URI %q: it must start with s3://", bucketURI)
	}
	return u.Host, nil
}

func parseURI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 URI %q: it must start with s3://", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func objectURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

func uniq(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
