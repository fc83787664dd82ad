package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/omniforge/orch/pkg/audit"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/oerr"
	"github.com/omniforge/orch/pkg/queue"
	"github.com/omniforge/orch/pkg/store"
)

const (
	DefaultLogLimit = 200
	MaxLogLimit     = 2000
	DefaultPageSize = 20
	MaxPageSize     = 200

	artifactURLExpiry = 15 * time.Minute
)

// Service is the job pipeline as seen by API handlers.
type Service struct {
	Jobs      store.JobStore
	Queue     queue.Queue
	Registry  *Registry
	Cancels   *CancelFlags
	Artifacts oart.Store
	Audit     audit.Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) audit() audit.Sink {
	if s.Audit == nil {
		return audit.Discard{}
	}
	return s.Audit
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) Runbooks() []*Runbook {
	return s.Registry.List()
}

// Create persists a PENDING job for runbook name and enqueues it. When the
// queue is unavailable the job is flipped to ERROR and a queue_unavailable
// error is returned.
func (s *Service) Create(ctx context.Context, actor *identity.Principal, name string, inputs map[string]any) (*models.Job, error) {
	if actor == nil {
		return nil, oerr.Newf(oerr.CodeUnauthorized, "authentication required")
	}
	rb, err := s.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := rb.ValidateInputs(inputs); err != nil {
		return nil, err
	}

	job := &models.Job{
		RunbookName: rb.Name,
		Status:      models.JobStatusPending,
		Input:       inputs,
		CreatedBy:   actor.ID,
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.appendLog(ctx, job.ID, models.LogLevelInfo, "Job created by user "+actor.Email)

	if err := s.Queue.Enqueue(ctx, job.ID); err != nil {
		s.logger().Error("enqueue failed", "job_id", job.ID, "error", err)
		if ferr := s.Jobs.FailPending(ctx, job.ID, map[string]any{"error": string(oerr.CodeQueueUnavailable)}, s.now()); ferr != nil {
			s.logger().Error("could not fail unqueued job", "job_id", job.ID, "error", ferr)
		}
		s.appendLog(ctx, job.ID, models.LogLevelError, "Queue unavailable")
		return nil, oerr.Newf(oerr.CodeQueueUnavailable, "queue unavailable: %w", err)
	}
	s.appendLog(ctx, job.ID, models.LogLevelInfo, "Job queued")

	s.audit().Record(ctx, audit.Entry{
		ActorID:    &actor.ID,
		Action:     audit.ActionRunbookExecute,
		TargetType: "job",
		TargetID:   strconv.FormatInt(job.ID, 10),
		Metadata:   map[string]any{"runbook": rb.Name},
	})
	return job, nil
}

func (s *Service) appendLog(ctx context.Context, jobID int64, level, message string) {
	if _, err := s.Jobs.AppendJobLog(ctx, jobID, "", level, message); err != nil {
		s.logger().Warn("append job log failed", "job_id", jobID, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.Jobs.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oerr.Newf(oerr.CodeNotFound, "job %d not found", id)
	}
	return job, err
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, oerr.Newf(oerr.CodeInvalidInput, "unknown status %q", filter.Status)
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	filter.PageSize = min(filter.PageSize, MaxPageSize)
	return s.Jobs.ListJobs(ctx, filter)
}

// Logs returns the newest limit lines of a job in ascending order.
func (s *Service) Logs(ctx context.Context, id int64, limit int) ([]*models.JobLog, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return s.Jobs.TailJobLogs(ctx, id, min(limit, MaxLogLimit))
}

// Cancel flags a non-terminal job. The executor observes the flag at its
// next step boundary.
func (s *Service) Cancel(ctx context.Context, actor *identity.Principal, id int64) (*models.Job, error) {
	if actor == nil {
		return nil, oerr.Newf(oerr.CodeUnauthorized, "authentication required")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, oerr.Newf(oerr.CodeConflict, "job %d is already %s", id, job.Status)
	}
	if s.Cancels == nil {
		return nil, oerr.Newf(oerr.CodeConflict, "cancellation is not configured")
	}
	if err := s.Cancels.Request(ctx, id); err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	s.appendLog(ctx, id, models.LogLevelWarn, "Cancellation requested by user "+actor.Email)

	s.audit().Record(ctx, audit.Entry{
		ActorID:    &actor.ID,
		Action:     audit.ActionJobCancel,
		TargetType: "job",
		TargetID:   strconv.FormatInt(id, 10),
	})
	return job, nil
}

// ListArtifacts lists a job's stored files with short-lived download URLs.
func (s *Service) ListArtifacts(ctx context.Context, id int64) ([]*oart.Artifact, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.Artifacts == nil {
		return []*oart.Artifact{}, nil
	}
	list, err := s.Artifacts.List(ctx, oart.JobArtifactPrefix(id))
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	for _, a := range list {
		u, err := s.Artifacts.GetPresignedURL(ctx, a.Key, artifactURLExpiry)
		if err != nil {
			s.logger().Warn("presign failed", "key", a.Key, "error", err)
			continue
		}
		a.URL = u
	}
	if list == nil {
		list = []*oart.Artifact{}
	}
	return list, nil
}

// OpenArtifact returns one of a job's files for download. The caller closes
// the reader.
func (s *Service) OpenArtifact(ctx context.Context, id int64, name string) (io.ReadCloser, *oart.Artifact, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return nil, nil, oerr.Newf(oerr.CodeInvalidInput, "invalid artifact name %q", name)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	if s.Artifacts == nil {
		return nil, nil, oerr.Newf(oerr.CodeNotFound, "artifact %s of job %d not found", name, id)
	}
	rc, a, err := s.Artifacts.Open(ctx, oart.JobArtifactKey(id, name))
	if errors.Is(err, oart.ErrNotFound) {
		return nil, nil, oerr.Newf(oerr.CodeNotFound, "artifact %s of job %d not found", name, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	return rc, a, nil
}
