package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
	"github.com/omniforge/orch/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, s *Store) *models.Job {
	t.Helper()
	job := &models.Job{RunbookName: "swarm_deploy", CreatedBy: 1}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestJobLeases(t *testing.T) {
	storetest.JobLeases(t, func(*testing.T) store.JobStore { return New() })
}

func TestJobLogs_OrderingAndTail(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := newJob(t, s)
	other := newJob(t, s)

	var ids []int64
	for _, msg := range []string{"one", "two", "three"} {
		line, err := s.AppendJobLog(ctx, job.ID, "", models.LogLevelInfo, msg)
		require.NoError(t, err)
		ids = append(ids, line.ID)
		_, err = s.AppendJobLog(ctx, other.ID, "", models.LogLevelInfo, "noise")
		require.NoError(t, err)
	}

	after, err := s.JobLogsAfter(ctx, job.ID, ids[0])
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "two", after[0].Message)
	assert.Equal(t, "three", after[1].Message)

	tail, err := s.TailJobLogs(ctx, job.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[1], tail[0].ID)
	assert.Equal(t, ids[2], tail[1].ID)
}

func TestListJobs_FilterAndPaginate(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		job := &models.Job{RunbookName: "portainer_logs", CreatedBy: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if i == 4 {
			job.RunbookName = "swarm_deploy"
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{Runbook: "portainer_logs", Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, base, jobs[0].CreatedAt)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{Status: models.JobStatusRunning, Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestEnsurePolicy_OncePerPair(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.EnsurePolicy(ctx, &models.ServicePolicy{ServerID: 1, ServiceType: models.ServiceTypeBackup})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsurePolicy(ctx, &models.ServicePolicy{ServerID: 1, ServiceType: models.ServiceTypeBackup, Enabled: true})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.GetPolicy(ctx, 1, models.ServiceTypeBackup)
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.Equal(t, 1, s.PolicyCount())
}

func TestDuePolicies(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	for i, p := range []*models.ServicePolicy{
		{ServerID: 1, ServiceType: models.ServiceTypeBackup, Enabled: true, ScheduleMode: models.ScheduleModeInterval, NextRunAt: &past},
		{ServerID: 1, ServiceType: models.ServiceTypeSnapshot, Enabled: true, ScheduleMode: models.ScheduleModeInterval, NextRunAt: &future},
		{ServerID: 2, ServiceType: models.ServiceTypeBackup, Enabled: false, ScheduleMode: models.ScheduleModeInterval, NextRunAt: &past},
		{ServerID: 3, ServiceType: models.ServiceTypeBackup, Enabled: true, ScheduleMode: models.ScheduleModeManual},
	} {
		require.NoError(t, s.CommitPolicy(ctx, p, nil), "policy %d", i)
	}

	due, err := s.DuePolicies(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].ServerID)
	assert.Equal(t, models.ServiceTypeBackup, due[0].ServiceType)
}

func TestPolicyClaims(t *testing.T) {
	storetest.PolicyClaims(t, New(), 1)
}
