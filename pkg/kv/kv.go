// Package kv holds short-lived coordination flags, such as job cancellation
// requests, that API replicas and workers exchange outside the job row.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the flag store. A zero TTL means the key never expires.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists avoids transferring the value when only presence matters.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// SetNX reports false when the key was already present.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}
