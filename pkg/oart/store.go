// Package oart stores files produced by runbook jobs in S3-compatible storage.
package oart

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("oart: artifact not found")
	// ErrBucketMissing means an upload hit a bucket that EnsureBucket never created.
	ErrBucketMissing = errors.New("oart: bucket does not exist")
)

// Artifact is a stored object produced by a job.
type Artifact struct {
	Key          string            `json:"key"` // e.g. "jobs/42/manifest.json"
	Bucket       string            `json:"bucket"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	URL          string            `json:"url,omitempty"` // presigned, when requested
}

// Name returns the key without its job prefix.
func (a *Artifact) Name() string {
	if i := strings.LastIndexByte(a.Key, '/'); i >= 0 {
		return a.Key[i+1:]
	}
	return a.Key
}

// Store keeps job artifacts. Jobs only ever add files; nothing here
// deletes them.
type Store interface {
	// Upload writes size bytes from reader under key, which should come
	// from JobArtifactKey.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*Artifact, error)

	// Open returns the object and its description, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, *Artifact, error)

	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List returns every artifact under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	EnsureBucket(ctx context.Context) error
}

// JobArtifactPrefix returns the key prefix for a job's artifacts.
func JobArtifactPrefix(jobID int64) string {
	return "jobs/" + strconv.FormatInt(jobID, 10) + "/"
}

// JobArtifactKey returns the full key for a job artifact.
func JobArtifactKey(jobID int64, filename string) string {
	return JobArtifactPrefix(jobID) + filename
}
