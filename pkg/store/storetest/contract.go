// Package storetest holds behaviour every store implementation must share.
// Backends run it from their own tests with a fresh store per call.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Postgres keeps microseconds.
func now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

func newJob(t *testing.T, s store.JobStore) *models.Job {
	t.Helper()
	job := &models.Job{RunbookName: "swarm_deploy", CreatedBy: 1}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// JobLeases checks the lease rules executors rely on: one owner at a time,
// takeover after expiry, and no writes from a superseded owner.
func JobLeases(t *testing.T, newStore func(t *testing.T) store.JobStore) {
	t.Run("ClaimIsExclusive", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		claimed, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, claimed.Status)
		assert.Equal(t, "a", claimed.LeaseToken)
		require.NotNil(t, claimed.StartedAt)

		_, err = s.ClaimJob(ctx, job.ID, store.Claim{Token: "b", Now: at.Add(time.Second), TTL: time.Minute})
		assert.ErrorIs(t, err, store.ErrNotClaimable)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", got.LeaseToken, "losing claim leaves the owner in place")
	})

	t.Run("ExpiredLeaseIsTakenOver", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		_, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		require.NoError(t, err)
		claimed, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "b", Now: at.Add(2 * time.Minute), TTL: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, "b", claimed.LeaseToken)
	})

	t.Run("RenewKeepsOwnership", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		_, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		require.NoError(t, err)
		require.NoError(t, s.RenewLease(ctx, job.ID, "a", at.Add(5*time.Minute)))
		assert.ErrorIs(t, s.RenewLease(ctx, job.ID, "b", at.Add(5*time.Minute)), store.ErrLeaseLost)

		// Without the renewal this claim would win.
		_, err = s.ClaimJob(ctx, job.ID, store.Claim{Token: "b", Now: at.Add(2 * time.Minute), TTL: time.Minute})
		assert.ErrorIs(t, err, store.ErrNotClaimable)
	})

	t.Run("StaleOwnerCannotWrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		_, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		require.NoError(t, err)
		line, err := s.AppendJobLog(ctx, job.ID, "a", models.LogLevelInfo, "owned")
		require.NoError(t, err)
		assert.Equal(t, job.ID, line.JobID)
		assert.NotZero(t, line.ID)

		_, err = s.ClaimJob(ctx, job.ID, store.Claim{Token: "b", Now: at.Add(2 * time.Minute), TTL: time.Minute})
		require.NoError(t, err)

		_, err = s.AppendJobLog(ctx, job.ID, "a", models.LogLevelInfo, "stale")
		assert.ErrorIs(t, err, store.ErrLeaseLost)
		assert.ErrorIs(t, s.FinishJob(ctx, job.ID, "a", models.JobStatusSuccess, nil, at), store.ErrLeaseLost)

		lines, err := s.JobLogsAfter(ctx, job.ID, 0)
		require.NoError(t, err)
		require.Len(t, lines, 1, "rejected line must not be stored")
		assert.Equal(t, "owned", lines[0].Message)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, got.Status)
	})

	t.Run("FinishReleasesLease", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		_, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		require.NoError(t, err)
		require.NoError(t, s.FinishJob(ctx, job.ID, "a", models.JobStatusSuccess, map[string]any{"steps": float64(2)}, at.Add(time.Second)))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSuccess, got.Status)
		assert.Empty(t, got.LeaseToken)
		assert.Nil(t, got.LeaseExpiresAt)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, float64(2), got.Output["steps"])

		_, err = s.AppendJobLog(ctx, job.ID, "a", models.LogLevelInfo, "late")
		assert.ErrorIs(t, err, store.ErrLeaseLost)
		assert.ErrorIs(t, s.FinishJob(ctx, job.ID, "a", models.JobStatusError, nil, at), store.ErrLeaseLost)
		_, err = s.ClaimJob(ctx, job.ID, store.Claim{Token: "b", Now: at.Add(time.Hour), TTL: time.Minute})
		assert.ErrorIs(t, err, store.ErrNotClaimable)
	})

	t.Run("TerminalAndUnknownRefused", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job := newJob(t, s)
		at := now()

		require.NoError(t, s.FailPending(ctx, job.ID, map[string]any{"error": "queue_unavailable"}, at))
		assert.ErrorIs(t, s.FailPending(ctx, job.ID, nil, at), store.ErrNotClaimable)

		_, err := s.ClaimJob(ctx, job.ID, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		assert.ErrorIs(t, err, store.ErrNotClaimable)

		_, err = s.ClaimJob(ctx, job.ID+1000, store.Claim{Token: "a", Now: at, TTL: time.Minute})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// PolicyClaims checks that a scheduled run is handed to exactly one caller.
// serverID must name a server the store accepts policies for.
func PolicyClaims(t *testing.T, s store.PolicyStore, serverID int64) {
	ctx := context.Background()
	due := now().Add(-time.Minute)
	next := due.Add(time.Hour)
	interval := 60
	p := &models.ServicePolicy{
		ServerID:        serverID,
		ServiceType:     models.ServiceTypeSnapshot,
		Enabled:         true,
		ScheduleMode:    models.ScheduleModeInterval,
		IntervalMinutes: &interval,
		NextRunAt:       &due,
	}
	require.NoError(t, s.CommitPolicy(ctx, p, nil))
	require.NotZero(t, p.ID)

	ok, err := s.ClaimPolicyRun(ctx, p.ID, due, next)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimPolicyRun(ctx, p.ID, due, next)
	require.NoError(t, err)
	assert.False(t, ok, "second claim on the same observed time loses")

	got, err := s.GetPolicy(ctx, serverID, models.ServiceTypeSnapshot)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt), "next_run_at = %s, want %s", got.NextRunAt, next)

	ok, err = s.ClaimPolicyRun(ctx, p.ID+1000, due, next)
	require.NoError(t, err)
	assert.False(t, ok)

	// A disabled policy is never claimed.
	p.Enabled = false
	p.NextRunAt = &next
	require.NoError(t, s.CommitPolicy(ctx, p, nil))
	ok, err = s.ClaimPolicyRun(ctx, p.ID, next, next.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
