package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/orch/pkg/audit"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/kv"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/oerr"
	"github.com/omniforge/orch/pkg/queue"
	"github.com/omniforge/orch/pkg/store"
	"github.com/omniforge/orch/pkg/store/memstore"
)

type serviceFixture struct {
	svc   *Service
	store *memstore.Store
	queue *queue.Memory
	art   *oart.MemoryStore
	flags *CancelFlags
}

func newServiceFixture() *serviceFixture {
	ms := memstore.New()
	q := queue.NewMemory()
	art := oart.NewMemoryStore("orch")
	flags := NewCancelFlags(kv.NewMemoryStore(), "")
	return &serviceFixture{
		svc: &Service{
			Jobs:      ms,
			Queue:     q,
			Registry:  NewRegistry(DefaultRunbooks()...),
			Cancels:   flags,
			Artifacts: art,
			Audit:     audit.NewStoreSink(ms, discard),
			Logger:    discard,
		},
		store: ms,
		queue: q,
		art:   art,
		flags: flags,
	}
}

var operator = &identity.Principal{ID: 7, Email: "ops@example.com", Roles: []string{identity.RoleOperator}}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()

	job, err := f.svc.Create(ctx, operator, "swarm_deploy", map[string]any{"stack_name": "web", "compose_path": "/srv/web.yml"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, int64(7), job.CreatedBy)
	assert.Equal(t, 1, f.queue.Len())

	assert.Equal(t, []string{
		"INFO Job created by user ops@example.com",
		"INFO Job queued",
	}, messages(t, f.store, job.ID))

	rows := f.store.AuditLogs()
	require.Len(t, rows, 1)
	assert.Equal(t, audit.ActionRunbookExecute, rows[0].Action)
	assert.Equal(t, "swarm_deploy", rows[0].Metadata["runbook"])
}

func TestService_CreateQueueUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	f.queue.SetUnavailable(true)

	_, err := f.svc.Create(ctx, operator, "portainer_inventory", map[string]any{"endpoint_id": 1})
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeQueueUnavailable))

	jobs, total, err := f.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.JobStatusError, jobs[0].Status)
	assert.Equal(t, map[string]any{"error": "queue_unavailable"}, jobs[0].Output)
	assert.NotNil(t, jobs[0].FinishedAt)

	msgs := messages(t, f.store, jobs[0].ID)
	assert.Equal(t, "ERROR Queue unavailable", msgs[len(msgs)-1])
	assert.Empty(t, f.store.AuditLogs())
}

func TestService_CreateRejects(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()

	_, err := f.svc.Create(ctx, operator, "nope", nil)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))

	_, err = f.svc.Create(ctx, operator, "portainer_logs", map[string]any{"endpoint_id": 1})
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput))
	assert.True(t, strings.Contains(err.Error(), "container_id"))

	_, err = f.svc.Create(ctx, nil, "portainer_inventory", map[string]any{"endpoint_id": 1})
	assert.True(t, oerr.IsCode(err, oerr.CodeUnauthorized))

	_, total, _ := f.store.ListJobs(ctx, store.JobFilter{})
	assert.Zero(t, total)
}

func TestService_ListAndLogs(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	for range 3 {
		_, err := f.svc.Create(ctx, operator, "portainer_inventory", map[string]any{"endpoint_id": 1})
		require.NoError(t, err)
	}

	jobs, total, err := f.svc.List(ctx, store.JobFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 2)

	_, _, err = f.svc.List(ctx, store.JobFilter{Status: "BOGUS"})
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput))

	lines, err := f.svc.Logs(ctx, jobs[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Job queued", lines[0].Message)

	_, err = f.svc.Logs(ctx, 999, 10)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))

	_, err = f.svc.Get(ctx, 999)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()

	job, err := f.svc.Create(ctx, operator, "portainer_inventory", map[string]any{"endpoint_id": 1})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, operator, job.ID)
	require.NoError(t, err)

	requested, err := f.flags.Requested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	exec := newTestExecutor(f.store, f.svc.Registry, WithCancelFlags(f.flags))
	require.NoError(t, exec.Process(ctx, job.ID))

	got, _ := f.svc.Get(ctx, job.ID)
	assert.Equal(t, models.JobStatusCanceled, got.Status)

	_, err = f.svc.Cancel(ctx, operator, job.ID)
	assert.True(t, oerr.IsCode(err, oerr.CodeConflict))

	_, err = f.svc.Cancel(ctx, operator, 12345)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestService_ListArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()

	job, err := f.svc.Create(ctx, operator, "portainer_inventory", map[string]any{"endpoint_id": 1})
	require.NoError(t, err)

	list, err := f.svc.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	exec := newTestExecutor(f.store, f.svc.Registry, WithArtifactStore(f.art), WithClock(func() time.Time { return time.Now().UTC() }))
	require.NoError(t, exec.Process(ctx, job.ID))

	list, err = f.svc.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "manifest.json", list[0].Name())
	assert.NotEmpty(t, list[0].URL)
}

func TestService_OptionalCollaborators(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	svc := &Service{
		Jobs:     ms,
		Queue:    queue.NewMemory(),
		Registry: NewRegistry(DefaultRunbooks()...),
		Cancels:  NewCancelFlags(kv.NewMemoryStore(), ""),
	}

	var job *models.Job
	require.NotPanics(t, func() {
		var err error
		job, err = svc.Create(ctx, operator, "swarm_deploy", map[string]any{"stack_name": "web", "compose_path": "/srv/web.yml"})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, operator, job.ID)
		require.NoError(t, err)
	})

	list, err := svc.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = svc.OpenArtifact(ctx, job.ID, "manifest.json")
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestService_OpenArtifact(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	job, err := f.svc.Create(ctx, operator, "swarm_deploy", map[string]any{"stack_name": "web", "compose_path": "/srv/web.yml"})
	require.NoError(t, err)
	_, err = f.art.Upload(ctx, oart.JobArtifactKey(job.ID, "manifest.json"), strings.NewReader("{}"), 2, "application/json", nil)
	require.NoError(t, err)

	rc, a, err := f.svc.OpenArtifact(ctx, job.ID, "manifest.json")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(2), a.Size)

	for _, name := range []string{"", "..", "../other/manifest.json", `a\b`} {
		_, _, err := f.svc.OpenArtifact(ctx, job.ID, name)
		assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput), "name %q", name)
	}

	_, _, err = f.svc.OpenArtifact(ctx, job.ID, "missing.txt")
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))

	_, _, err = f.svc.OpenArtifact(ctx, 9999, "manifest.json")
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}
