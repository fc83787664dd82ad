package oart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process. Used by tests and local runs
// without object storage.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memObject
}

type memObject struct {
	data     []byte
	artifact Artifact
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string]memObject)}
}

func (s *MemoryStore) EnsureBucket(context.Context) error { return nil }

func (s *MemoryStore) Upload(_ context.Context, key string, reader io.Reader, _ int64, contentType string, metadata map[string]string) (*Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	a := Artifact{
		Key:          key,
		Bucket:       s.bucket,
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}

	s.mu.Lock()
	s.objects[key] = memObject{data: data, artifact: a}
	s.mu.Unlock()

	out := a
	return &out, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, *Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	a := obj.artifact
	return io.NopCloser(bytes.NewReader(obj.data)), &a, nil
}

func (s *MemoryStore) GetPresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", ErrNotFound
	}
	return "memory://" + s.bucket + "/" + key, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Artifact{}
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			a := obj.artifact
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
