package oart

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// S3Store keeps artifacts in one bucket of an S3-compatible service.
type S3Store struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Store builds the client without contacting the server. A region is
// always set so minio never has to look the bucket location up.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client for %s: %w", cfg.Endpoint, err)
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

// s3Err maps the S3 error codes callers branch on to package sentinels.
func s3Err(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case minio.NoSuchBucket:
		return ErrBucketMissing
	case minio.NoSuchKey:
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	case ok:
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Upload sends a single PUT for small objects. The size must be known:
// minio buffers whole parts in memory for streams of unknown length.
func (s *S3Store) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*Artifact, error) {
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return nil, s3Err(err, key)
	}
	return &Artifact{
		Key:          key,
		Bucket:       s.cfg.Bucket,
		Size:         info.Size,
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, *Artifact, error) {
	st, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, nil, s3Err(err, key)
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, s3Err(err, key)
	}
	return obj, s.artifact(st), nil
}

func (s *S3Store) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]*Artifact, error) {
	out := []*Artifact{}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s3Err(obj.Err, prefix)
		}
		out = append(out, s.artifact(obj))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *S3Store) artifact(obj minio.ObjectInfo) *Artifact {
	return &Artifact{
		Key:          obj.Key,
		Bucket:       s.cfg.Bucket,
		Size:         obj.Size,
		ContentType:  obj.ContentType,
		LastModified: obj.LastModified,
		Metadata:     obj.UserMetadata,
	}
}

var _ Store = (*S3Store)(nil)
