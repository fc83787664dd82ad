// Package queue is the ordered hand-off channel between job producers and
// the executor pool. Delivery is at-least-once; consumers guard against
// duplicates themselves.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultName is the list key jobs are pushed to.
const DefaultName = "orch:jobs"

// ErrMalformed is returned by Dequeue when a message cannot be parsed. The
// message is consumed; callers should log and move on.
var ErrMalformed = errors.New("queue: malformed message")

// Queue hands job identifiers from producers to workers.
type Queue interface {
	// Enqueue appends jobID to the tail. Broker failures carry the
	// oerr.CodeQueueUnavailable code.
	Enqueue(ctx context.Context, jobID int64) error

	// Dequeue blocks up to timeout for the next identifier. ok is false when
	// the timeout elapsed with nothing to deliver.
	Dequeue(ctx context.Context, timeout time.Duration) (jobID int64, ok bool, err error)

	// Ping checks broker connectivity.
	Ping(ctx context.Context) error

	Close() error
}

type message struct {
	JobID *int64 `json:"job_id"`
}

func encode(jobID int64) ([]byte, error) {
	return json.Marshal(message{JobID: &jobID})
}

func decode(payload string) (int64, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.JobID == nil {
		return 0, fmt.Errorf("%w: missing job_id in %q", ErrMalformed, payload)
	}
	return *m.JobID, nil
}
