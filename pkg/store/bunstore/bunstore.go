// Package bunstore implements the store interfaces on Postgres through bun.
package bunstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Store is safe for concurrent use; every method is one statement or one
// transaction.
type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *bun.DB {
	return s.db
}

func wrapNotFound(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, store.ErrNotFound)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == "23503" {
		return fmt.Errorf("%s: %w", msg, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func jsonArg(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ---- jobs ----

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Input == nil {
		job.Input = map[string]any{}
	}
	_, err := s.db.NewInsert().Model(job).Returning("*").Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job := new(models.Job)
	err := s.db.NewSelect().Model(job).Where("j.id = ?", id).Scan(ctx)
	if err != nil {
		return nil, wrapNotFound(err, "job %d", id)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	var jobs []*models.Job
	q := s.db.NewSelect().Model(&jobs)
	if filter.Status != "" {
		q = q.Where("j.status = ?", filter.Status)
	}
	if filter.Runbook != "" {
		q = q.Where("j.runbook_name = ?", filter.Runbook)
	}
	q = q.OrderExpr("j.created_at DESC, j.id DESC")
	if filter.PageSize > 0 {
		q = q.Limit(filter.PageSize).Offset(filter.Offset())
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *Store) ClaimJob(ctx context.Context, id int64, claim store.Claim) (*models.Job, error) {
	res, err := s.db.NewUpdate().
		Model(new(models.Job)).
		Set("status = ?", models.JobStatusRunning).
		Set("started_at = ?", claim.Now).
		Set("lease_token = ?", claim.Token).
		Set("lease_expires_at = ?", claim.Now.Add(claim.TTL)).
		Where("id = ?", id).
		Where("status IN (?)", bun.In([]models.JobStatus{models.JobStatusPending, models.JobStatusRunning})).
		Where("(lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)", claim.Now).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 || job.LeaseToken != claim.Token {
		return nil, fmt.Errorf("job %d is %s: %w", id, job.Status, store.ErrNotClaimable)
	}
	return job, nil
}

func (s *Store) RenewLease(ctx context.Context, id int64, token string, until time.Time) error {
	res, err := s.db.NewUpdate().
		Model(new(models.Job)).
		Set("lease_expires_at = ?", until).
		Where("id = ?", id).
		Where("lease_token = ?", token).
		Exec(ctx)
	return leasedResult(res, err, "renew lease of job %d", id)
}

func (s *Store) FinishJob(ctx context.Context, id int64, token string, status models.JobStatus, output map[string]any, finishedAt time.Time) error {
	out, err := jsonArg(output)
	if err != nil {
		return fmt.Errorf("encode output of job %d: %w", id, err)
	}
	res, err := s.db.NewUpdate().
		Model(new(models.Job)).
		Set("status = ?", status).
		Set("output = ?::jsonb", out).
		Set("finished_at = ?", finishedAt).
		Set("lease_token = NULL").
		Set("lease_expires_at = NULL").
		Where("id = ?", id).
		Where("lease_token = ?", token).
		Exec(ctx)
	return leasedResult(res, err, "finish job %d", id)
}

func (s *Store) FailPending(ctx context.Context, id int64, output map[string]any, finishedAt time.Time) error {
	out, err := jsonArg(output)
	if err != nil {
		return fmt.Errorf("encode output of job %d: %w", id, err)
	}
	res, err := s.db.NewUpdate().
		Model(new(models.Job)).
		Set("status = ?", models.JobStatusError).
		Set("output = ?::jsonb", out).
		Set("finished_at = ?", finishedAt).
		Where("id = ?", id).
		Where("status = ?", models.JobStatusPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d is not pending: %w", id, store.ErrNotClaimable)
	}
	return nil
}

func leasedResult(res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, store.ErrLeaseLost)...)
	}
	return nil
}

func (s *Store) AppendJobLog(ctx context.Context, jobID int64, token, level, message string) (*models.JobLog, error) {
	if token == "" {
		line := &models.JobLog{JobID: jobID, Level: level, Message: message}
		if _, err := s.db.NewInsert().Model(line).Returning("*").Exec(ctx); err != nil {
			return nil, wrapNotFound(err, "append log to job %d", jobID)
		}
		return line, nil
	}

	// The lease check and the insert are one statement so a stale executor
	// can never slip a line in after losing the job.
	line := new(models.JobLog)
	err := s.db.NewRaw(`
		INSERT INTO job_logs (job_id, level, message)
		SELECT ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM jobs WHERE id = ? AND lease_token = ?)
		RETURNING id, job_id, ts, level, message`,
		jobID, level, message, jobID, token,
	).Scan(ctx, line)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("append log to job %d: %w", jobID, store.ErrLeaseLost)
	}
	if err != nil {
		return nil, fmt.Errorf("append log to job %d: %w", jobID, err)
	}
	return line, nil
}

func (s *Store) JobLogsAfter(ctx context.Context, jobID, afterID int64) ([]*models.JobLog, error) {
	var lines []*models.JobLog
	err := s.db.NewSelect().
		Model(&lines).
		Where("jl.job_id = ?", jobID).
		Where("jl.id > ?", afterID).
		OrderExpr("jl.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("logs of job %d after %d: %w", jobID, afterID, err)
	}
	return lines, nil
}

func (s *Store) TailJobLogs(ctx context.Context, jobID int64, limit int) ([]*models.JobLog, error) {
	var lines []*models.JobLog
	err := s.db.NewSelect().
		Model(&lines).
		Where("jl.job_id = ?", jobID).
		OrderExpr("jl.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tail logs of job %d: %w", jobID, err)
	}
	slices.Reverse(lines)
	return lines, nil
}

// ---- inventory ----

func (s *Store) GetCompany(ctx context.Context, id int64) (*models.Company, error) {
	c := new(models.Company)
	if err := s.db.NewSelect().Model(c).Where("c.id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "company %d", id)
	}
	return c, nil
}

func (s *Store) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	srv := new(models.Server)
	if err := s.db.NewSelect().Model(srv).Where("hs.id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "server %d", id)
	}
	return srv, nil
}

func (s *Store) ListServers(ctx context.Context, companyID int64) ([]*models.Server, error) {
	var servers []*models.Server
	err := s.db.NewSelect().
		Model(&servers).
		Where("hs.company_id = ?", companyID).
		OrderExpr("hs.name ASC, hs.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers of company %d: %w", companyID, err)
	}
	return servers, nil
}

func (s *Store) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	c := new(models.Credential)
	if err := s.db.NewSelect().Model(c).Where("ac.id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "credential %d", id)
	}
	return c, nil
}

// ---- policies ----

func (s *Store) GetPolicy(ctx context.Context, serverID int64, serviceType models.ServiceType) (*models.ServicePolicy, error) {
	p := new(models.ServicePolicy)
	err := s.db.NewSelect().
		Model(p).
		Where("sp.server_id = ?", serverID).
		Where("sp.service_type = ?", serviceType).
		Scan(ctx)
	if err != nil {
		return nil, wrapNotFound(err, "policy %d/%s", serverID, serviceType)
	}
	return p, nil
}

func (s *Store) ListPolicies(ctx context.Context, serverID int64) ([]*models.ServicePolicy, error) {
	var policies []*models.ServicePolicy
	err := s.db.NewSelect().
		Model(&policies).
		Where("sp.server_id = ?", serverID).
		OrderExpr("sp.service_type ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies of server %d: %w", serverID, err)
	}
	return policies, nil
}

func (s *Store) EnsurePolicy(ctx context.Context, p *models.ServicePolicy) (bool, error) {
	res, err := s.db.NewInsert().
		Model(p).
		On("CONFLICT (server_id, service_type) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, wrapNotFound(err, "ensure policy %d/%s", p.ServerID, p.ServiceType)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CommitPolicy(ctx context.Context, p *models.ServicePolicy, entry *models.ServiceLog) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		p.UpdatedAt = time.Now()
		_, err := tx.NewInsert().
			Model(p).
			On("CONFLICT (server_id, service_type) DO UPDATE").
			Set("enabled = EXCLUDED.enabled").
			Set("require_confirmation = EXCLUDED.require_confirmation").
			Set("schedule_mode = EXCLUDED.schedule_mode").
			Set("interval_minutes = EXCLUDED.interval_minutes").
			Set("retention_days = EXCLUDED.retention_days").
			Set("retention_count = EXCLUDED.retention_count").
			Set("last_run_at = EXCLUDED.last_run_at").
			Set("next_run_at = EXCLUDED.next_run_at").
			Set("last_status = EXCLUDED.last_status").
			Set("last_error = EXCLUDED.last_error").
			Set("updated_at = EXCLUDED.updated_at").
			Returning("*").
			Exec(ctx)
		if err != nil {
			return wrapNotFound(err, "commit policy %d/%s", p.ServerID, p.ServiceType)
		}
		if entry == nil {
			return nil
		}
		if _, err := tx.NewInsert().Model(entry).Returning("*").Exec(ctx); err != nil {
			return fmt.Errorf("append service log: %w", err)
		}
		return nil
	})
}

func (s *Store) AppendServiceLog(ctx context.Context, entry *models.ServiceLog) error {
	if _, err := s.db.NewInsert().Model(entry).Returning("*").Exec(ctx); err != nil {
		return wrapNotFound(err, "append service log for server %d", entry.ServerID)
	}
	return nil
}

func (s *Store) ListServiceLogs(ctx context.Context, companyID int64, limit int) ([]*models.ServiceLog, error) {
	var entries []*models.ServiceLog
	err := s.db.NewSelect().
		Model(&entries).
		Join("JOIN hetzner_servers AS hs ON hs.id = sl.server_id").
		Where("hs.company_id = ?", companyID).
		OrderExpr("sl.created_at DESC, sl.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service logs of company %d: %w", companyID, err)
	}
	return entries, nil
}

func (s *Store) DuePolicies(ctx context.Context, now time.Time, limit int) ([]*models.ServicePolicy, error) {
	var policies []*models.ServicePolicy
	err := s.db.NewSelect().
		Model(&policies).
		Where("sp.enabled").
		Where("sp.schedule_mode = ?", models.ScheduleModeInterval).
		Where("sp.next_run_at <= ?", now).
		OrderExpr("sp.next_run_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("due policies: %w", err)
	}
	return policies, nil
}

// ClaimPolicyRun relies on the row lock taken by UPDATE: a concurrent
// claimer waits, re-evaluates the WHERE clause and matches nothing.
func (s *Store) ClaimPolicyRun(ctx context.Context, id int64, observed, next time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.ServicePolicy)(nil)).
		Set("next_run_at = ?", next).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("enabled").
		Where("schedule_mode = ?", models.ScheduleModeInterval).
		Where("next_run_at = ?", observed).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim policy %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim policy %d: %w", id, err)
	}
	return n == 1, nil
}

// ---- audit ----

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("append audit %s: %w", entry.Action, err)
	}
	return nil
}

var (
	_ store.JobStore    = (*Store)(nil)
	_ store.PolicyStore = (*Store)(nil)
	_ store.AuditStore  = (*Store)(nil)
)
