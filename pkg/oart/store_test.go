package oart

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobArtifactKey(t *testing.T) {
	assert.Equal(t, "jobs/42/", JobArtifactPrefix(42))
	assert.Equal(t, "jobs/42/manifest.json", JobArtifactKey(42, "manifest.json"))
	assert.Equal(t, "manifest.json", (&Artifact{Key: "jobs/42/manifest.json"}).Name())
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("orch")

	a, err := s.Upload(ctx, JobArtifactKey(1, "manifest.json"), strings.NewReader(`{"ok":true}`), 11, "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(11), a.Size)

	_, err = s.Upload(ctx, JobArtifactKey(2, "manifest.json"), strings.NewReader("{}"), 2, "application/json", nil)
	require.NoError(t, err)

	list, err := s.List(ctx, JobArtifactPrefix(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "jobs/1/manifest.json", list[0].Key)

	rc, info, err := s.Open(ctx, "jobs/1/manifest.json")
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "application/json", info.ContentType)

	_, _, err = s.Open(ctx, "jobs/3/manifest.json")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.List(ctx, JobArtifactPrefix(3))
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestNewS3Store_InvalidEndpoint(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "http://bad host"})
	assert.Error(t, err)
}

// fakeS3 answers like an S3 endpoint with an empty bucket "orch" that has
// no "missing" sibling.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()
	_, _ = io.Copy(io.Discard, r.Body)

	if strings.HasPrefix(r.URL.Path, "/missing/") {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message>`+
			`<BucketName>missing</BucketName><Resource>`+r.URL.Path+`</Resource><RequestId>1</RequestId></Error>`)
		return
	}
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFakeS3Store(t *testing.T, bucket string) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	s, err := NewS3Store(S3Config{Endpoint: u.Host, AccessKey: "ak", SecretKey: "sk", Bucket: bucket})
	require.NoError(t, err)
	return s, fake
}

func TestS3Store_UploadSendsSinglePut(t *testing.T) {
	s, fake := newFakeS3Store(t, "orch")
	body := `{"job_id":5}`

	a, err := s.Upload(context.Background(), JobArtifactKey(5, "manifest.json"), strings.NewReader(body), int64(len(body)), "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, "jobs/5/manifest.json", a.Key)
	assert.Equal(t, "orch", a.Bucket)
	assert.Equal(t, []string{"PUT /orch/jobs/5/manifest.json"}, fake.requests)
}

func TestS3Store_UploadMissingBucket(t *testing.T) {
	s, _ := newFakeS3Store(t, "missing")
	_, err := s.Upload(context.Background(), "jobs/1/a.txt", strings.NewReader("x"), 1, "text/plain", nil)
	assert.ErrorIs(t, err, ErrBucketMissing)
}

func TestS3Store_OpenMissingKey(t *testing.T) {
	s, fake := newFakeS3Store(t, "orch")
	_, _, err := s.Open(context.Background(), "jobs/1/nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"HEAD /orch/jobs/1/nope.json"}, fake.requests, "no GET after a failed stat")
}

func TestS3Store_PresignIsOffline(t *testing.T) {
	s, fake := newFakeS3Store(t, "orch")
	u, err := s.GetPresignedURL(context.Background(), "jobs/1/manifest.json", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "/orch/jobs/1/manifest.json")
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Empty(t, fake.requests)
}
