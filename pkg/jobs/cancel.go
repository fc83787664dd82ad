package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/omniforge/orch/pkg/kv"
)

const cancelFlagTTL = 24 * time.Hour

// CancelFlags records cancellation requests where executors can see them.
type CancelFlags struct {
	kv     kv.Store
	prefix string
}

func NewCancelFlags(store kv.Store, prefix string) *CancelFlags {
	if prefix == "" {
		prefix = "orch:jobs:cancel:"
	}
	return &CancelFlags{kv: store, prefix: prefix}
}

func (c *CancelFlags) key(jobID int64) string {
	return c.prefix + strconv.FormatInt(jobID, 10)
}

// Request flags jobID for cancellation. Repeated requests keep the first
// flag and its expiry.
func (c *CancelFlags) Request(ctx context.Context, jobID int64) error {
	_, err := c.kv.SetNX(ctx, c.key(jobID), []byte(time.Now().UTC().Format(time.RFC3339)), cancelFlagTTL)
	return err
}

// Requested reports whether jobID has been flagged.
func (c *CancelFlags) Requested(ctx context.Context, jobID int64) (bool, error) {
	return c.kv.Exists(ctx, c.key(jobID))
}

// Clear drops the flag once the job is terminal.
func (c *CancelFlags) Clear(ctx context.Context, jobID int64) error {
	return c.kv.Delete(ctx, c.key(jobID))
}
