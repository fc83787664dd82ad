// Package jobs runs runbook jobs: the executor that drives a job from
// PENDING to a terminal state, the worker loops that feed it from the
// queue, the log streamer and the service the API calls into.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/store"
)

const (
	DefaultStepDelay = time.Second
	DefaultLeaseTTL  = 2 * time.Minute
)

// errCanceled ends a run early when a cancel flag is observed.
var errCanceled = errors.New("job canceled")

// Executor processes one job identifier at a time. It is safe to share
// between workers.
type Executor struct {
	jobs      store.JobStore
	registry  *Registry
	cancels   *CancelFlags
	artifacts oart.Store
	logger    *slog.Logger

	stepDelay time.Duration
	leaseTTL  time.Duration
	now       func() time.Time
	newToken  func() string
	sleep     func(ctx context.Context, d time.Duration) error
}

type ExecutorOption func(*Executor)

func WithCancelFlags(c *CancelFlags) ExecutorOption {
	return func(e *Executor) { e.cancels = c }
}

func WithArtifactStore(s oart.Store) ExecutorOption {
	return func(e *Executor) { e.artifacts = s }
}

func WithStepDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepDelay = d }
}

func WithLeaseTTL(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.leaseTTL = d }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(jobs store.JobStore, registry *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		jobs:      jobs,
		registry:  registry,
		logger:    logger,
		stepDelay: DefaultStepDelay,
		leaseTTL:  DefaultLeaseTTL,
		now:       func() time.Time { return time.Now().UTC() },
		newToken:  func() string { return uuid.NewString() },
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process runs jobID to completion. Deliveries for missing, terminal or
// currently leased jobs are dropped without side effects. The returned
// error only reports store failures; runbook faults end up on the job.
func (e *Executor) Process(ctx context.Context, jobID int64) error {
	logger := e.logger.With("job_id", jobID)

	job, err := e.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping delivery for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if !job.Status.Pickable() {
		logger.Debug("dropping delivery for finished job", "status", job.Status)
		return nil
	}

	token := e.newToken()
	job, err = e.jobs.ClaimJob(ctx, jobID, store.Claim{Token: token, Now: e.now(), TTL: e.leaseTTL})
	switch {
	case errors.Is(err, store.ErrNotClaimable):
		logger.Info("job already claimed elsewhere", "error", err)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("claim job %d: %w", jobID, err)
	}

	r := &run{exec: e, job: job, token: token, logger: logger}
	return r.execute(ctx)
}

// run is one claimed execution.
type run struct {
	exec   *Executor
	job    *models.Job
	token  string
	logger *slog.Logger
}

type outcome struct {
	status models.JobStatus
	output map[string]any
}

func (r *run) execute(ctx context.Context) (err error) {
	var res outcome

	// Terminal state is committed even if the caller's context is gone.
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err = r.finish(fctx, res)
	}()

	res = r.steps(ctx)
	return nil
}

func (r *run) steps(ctx context.Context) (res outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runbook panicked", "panic", p, "stack", string(debug.Stack()))
			res = r.fail(ctx, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := r.log(ctx, models.LogLevelInfo, "Starting runbook "+r.job.RunbookName); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.checkCanceled(ctx); err != nil {
		return r.fail(ctx, err)
	}

	sc := &StepContext{Job: r.job, Artifacts: r.exec.artifacts, log: r.log}
	steps := r.exec.registry.Steps(r.job.RunbookName)
	for i, step := range steps {
		if err := r.log(ctx, models.LogLevelInfo, fmt.Sprintf("[%d/%d] %s", i+1, len(steps), step.Name)); err != nil {
			return r.fail(ctx, err)
		}
		if step.Run != nil {
			if err := step.Run(ctx, sc); err != nil {
				return r.fail(ctx, err)
			}
		}
		if err := r.exec.sleep(ctx, r.exec.stepDelay); err != nil {
			return r.fail(ctx, err)
		}
		if err := r.renew(ctx); err != nil {
			return r.fail(ctx, err)
		}
		if err := r.checkCanceled(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	out := outcome{
		status: models.JobStatusSuccess,
		output: map[string]any{
			"result":      "ok",
			"runbook":     r.job.RunbookName,
			"job_id":      r.job.ID,
			"finished_at": r.exec.now().Format(time.RFC3339Nano),
		},
	}
	if err := r.log(ctx, models.LogLevelSuccess, "Runbook finished successfully"); err != nil {
		return r.fail(ctx, err)
	}
	return out
}

// fail converts err into the terminal outcome and logs it on the job.
func (r *run) fail(ctx context.Context, err error) outcome {
	if errors.Is(err, store.ErrLeaseLost) {
		r.logger.Warn("lease lost, abandoning run", "error", err)
		return outcome{}
	}
	if errors.Is(err, errCanceled) {
		_ = r.log(context.WithoutCancel(ctx), models.LogLevelWarn, "Runbook canceled by request")
		return outcome{status: models.JobStatusCanceled, output: map[string]any{"canceled": true}}
	}
	if lerr := r.log(context.WithoutCancel(ctx), models.LogLevelError, "Runbook failed: "+err.Error()); lerr != nil {
		r.logger.Warn("could not record failure line", "error", lerr)
	}
	return outcome{status: models.JobStatusError, output: map[string]any{"error": err.Error()}}
}

func (r *run) finish(ctx context.Context, res outcome) error {
	if res.status == "" {
		// Lease lost: the new owner commits the result.
		return nil
	}
	err := r.exec.jobs.FinishJob(ctx, r.job.ID, r.token, res.status, res.output, r.exec.now())
	if errors.Is(err, store.ErrLeaseLost) {
		r.logger.Warn("lease lost before commit", "status", res.status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish job %d: %w", r.job.ID, err)
	}
	if r.exec.cancels != nil {
		if err := r.exec.cancels.Clear(ctx, r.job.ID); err != nil {
			r.logger.Warn("could not clear cancel flag", "error", err)
		}
	}
	r.logger.Info("job finished", "status", res.status)
	return nil
}

func (r *run) log(ctx context.Context, level, message string) error {
	_, err := r.exec.jobs.AppendJobLog(ctx, r.job.ID, r.token, level, message)
	return err
}

func (r *run) renew(ctx context.Context) error {
	return r.exec.jobs.RenewLease(ctx, r.job.ID, r.token, r.exec.now().Add(r.exec.leaseTTL))
}

func (r *run) checkCanceled(ctx context.Context) error {
	if r.exec.cancels == nil {
		return nil
	}
	ok, err := r.exec.cancels.Requested(ctx, r.job.ID)
	if err != nil {
		// An unreachable flag store must not fail the job.
		r.logger.Warn("cancel flag lookup failed", "error", err)
		return nil
	}
	if ok {
		return errCanceled
	}
	return nil
}
