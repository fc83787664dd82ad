package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/kv"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/store"
	"github.com/omniforge/orch/pkg/store/memstore"
)

var discard = slog.New(slog.DiscardHandler)

func newTestExecutor(ms *memstore.Store, reg *Registry, opts ...ExecutorOption) *Executor {
	opts = append([]ExecutorOption{WithStepDelay(0)}, opts...)
	return NewExecutor(ms, reg, discard, opts...)
}

func createJob(t *testing.T, ms *memstore.Store, runbook string) *models.Job {
	t.Helper()
	job := &models.Job{RunbookName: runbook, Input: map[string]any{"zone_id": "z"}, CreatedBy: 1}
	require.NoError(t, ms.CreateJob(context.Background(), job))
	return job
}

func messages(t *testing.T, ms *memstore.Store, jobID int64) []string {
	t.Helper()
	lines, err := ms.TailJobLogs(context.Background(), jobID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Level+" "+l.Message)
	}
	return out
}

func TestExecutor_Success(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	art := oart.NewMemoryStore("orch")
	exec := newTestExecutor(ms, NewRegistry(DefaultRunbooks()...), WithArtifactStore(art))

	job := createJob(t, ms, "cloudflare_dns_bulk")
	require.NoError(t, exec.Process(ctx, job.ID))

	got, err := ms.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.LeaseToken)
	assert.Equal(t, "ok", got.Output["result"])
	assert.Equal(t, "cloudflare_dns_bulk", got.Output["runbook"])
	assert.Equal(t, job.ID, got.Output["job_id"])
	assert.NotEmpty(t, got.Output["finished_at"])

	assert.Equal(t, []string{
		"INFO Starting runbook cloudflare_dns_bulk",
		"INFO [1/4] Validating inputs",
		"INFO [2/4] Connecting to target system",
		"INFO [3/4] Applying runbook actions",
		"INFO [4/4] Finalizing artifacts",
		"INFO Stored artifact " + oart.JobArtifactKey(job.ID, "manifest.json"),
		"SUCCESS Runbook finished successfully",
	}, messages(t, ms, job.ID))

	list, err := art.List(ctx, oart.JobArtifactPrefix(job.ID))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExecutor_UnknownRunbookUsesSimulatedSteps(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	exec := newTestExecutor(ms, NewRegistry())

	job := createJob(t, ms, "legacy")
	require.NoError(t, exec.Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Len(t, messages(t, ms, job.ID), 6)
}

func TestExecutor_DropsDeliveries(t *testing.T) {
	ctx := context.Background()

	t.Run("missing job", func(t *testing.T) {
		ms := memstore.New()
		assert.NoError(t, newTestExecutor(ms, NewRegistry()).Process(ctx, 404))
	})

	t.Run("terminal job", func(t *testing.T) {
		ms := memstore.New()
		job := createJob(t, ms, "x")
		require.NoError(t, ms.FailPending(ctx, job.ID, map[string]any{"error": "queue_unavailable"}, time.Now()))

		require.NoError(t, newTestExecutor(ms, NewRegistry()).Process(ctx, job.ID))

		got, _ := ms.GetJob(ctx, job.ID)
		assert.Equal(t, models.JobStatusError, got.Status)
		assert.Empty(t, messages(t, ms, job.ID))
	})

	t.Run("live lease held elsewhere", func(t *testing.T) {
		ms := memstore.New()
		job := createJob(t, ms, "x")
		_, err := ms.ClaimJob(ctx, job.ID, store.Claim{Token: "other", Now: time.Now(), TTL: time.Hour})
		require.NoError(t, err)

		require.NoError(t, newTestExecutor(ms, NewRegistry()).Process(ctx, job.ID))

		got, _ := ms.GetJob(ctx, job.ID)
		assert.Equal(t, models.JobStatusRunning, got.Status)
		assert.Equal(t, "other", got.LeaseToken)
		assert.Empty(t, messages(t, ms, job.ID))
	})
}

func TestExecutor_RedeliveryAfterExpiredLease(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	job := createJob(t, ms, "x")
	_, err := ms.ClaimJob(ctx, job.ID, store.Claim{Token: "crashed", Now: time.Now().Add(-time.Hour), TTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, newTestExecutor(ms, NewRegistry()).Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
}

func TestExecutor_StepFailure(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	reg := NewRegistry(&Runbook{Name: "broken", Enabled: true, Steps: []Step{
		{Name: "Validating inputs"},
		{Name: "Applying runbook actions", Run: func(context.Context, *StepContext) error {
			return errors.New("boom")
		}},
	}})

	job := createJob(t, ms, "broken")
	require.NoError(t, newTestExecutor(ms, reg).Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Equal(t, map[string]any{"error": "boom"}, got.Output)
	assert.NotNil(t, got.FinishedAt)

	msgs := messages(t, ms, job.ID)
	assert.Equal(t, "ERROR Runbook failed: boom", msgs[len(msgs)-1])
}

func TestExecutor_StepPanic(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	reg := NewRegistry(&Runbook{Name: "panicky", Enabled: true, Steps: []Step{
		{Name: "Applying runbook actions", Run: func(context.Context, *StepContext) error {
			panic("kaboom")
		}},
	}})

	job := createJob(t, ms, "panicky")
	require.NotPanics(t, func() {
		require.NoError(t, newTestExecutor(ms, reg).Process(ctx, job.ID))
	})

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Equal(t, "panic: kaboom", got.Output["error"])
}

func TestExecutor_Cancel(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	flags := NewCancelFlags(kv.NewMemoryStore(), "")

	var ran []string
	reg := NewRegistry(&Runbook{Name: "slow", Enabled: true, Steps: []Step{
		{Name: "one", Run: func(ctx context.Context, sc *StepContext) error {
			ran = append(ran, "one")
			return flags.Request(ctx, sc.Job.ID)
		}},
		{Name: "two", Run: func(context.Context, *StepContext) error {
			ran = append(ran, "two")
			return nil
		}},
	}})

	job := createJob(t, ms, "slow")
	require.NoError(t, newTestExecutor(ms, reg, WithCancelFlags(flags)).Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCanceled, got.Status)
	assert.Equal(t, map[string]any{"canceled": true}, got.Output)
	assert.Equal(t, []string{"one"}, ran)

	msgs := messages(t, ms, job.ID)
	assert.Equal(t, "WARN Runbook canceled by request", msgs[len(msgs)-1])

	requested, err := flags.Requested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, requested, "flag cleared once terminal")
}

func TestExecutor_CancelBeforeWork(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	flags := NewCancelFlags(kv.NewMemoryStore(), "")

	job := createJob(t, ms, "x")
	require.NoError(t, flags.Request(ctx, job.ID))
	require.NoError(t, newTestExecutor(ms, NewRegistry(), WithCancelFlags(flags)).Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCanceled, got.Status)
	assert.Equal(t, []string{
		"INFO Starting runbook x",
		"WARN Runbook canceled by request",
	}, messages(t, ms, job.ID))
}

func TestExecutor_LeaseLostMidRun(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	reg := NewRegistry(&Runbook{Name: "stolen", Enabled: true, Steps: []Step{
		{Name: "one", Run: func(ctx context.Context, sc *StepContext) error {
			// Another executor takes over after our lease has expired.
			_, err := ms.ClaimJob(ctx, sc.Job.ID, store.Claim{Token: "thief", Now: time.Now().Add(time.Hour), TTL: time.Hour})
			return err
		}},
		{Name: "two"},
	}})

	job := createJob(t, ms, "stolen")
	require.NoError(t, newTestExecutor(ms, reg).Process(ctx, job.ID))

	got, _ := ms.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, "thief", got.LeaseToken)
	assert.Nil(t, got.FinishedAt)
	assert.NotContains(t, messages(t, ms, job.ID), "INFO [2/2] two")
}
