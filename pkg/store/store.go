// Package store declares the persistence collaborators of the job pipeline
// and the service policy engine. Implementations live in bunstore
// (Postgres) and memstore (in-process).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrNotClaimable is returned by ClaimJob when the job is terminal or
	// another executor holds a live lease on it.
	ErrNotClaimable = errors.New("store: job not claimable")
	// ErrLeaseLost is returned when a leased write carries a stale token.
	ErrLeaseLost = errors.New("store: job lease lost")
)

// JobFilter narrows ListJobs. Zero values mean "no filter".
type JobFilter struct {
	Status   models.JobStatus
	Runbook  string
	Page     int
	PageSize int
}

// Offset returns the row offset for the page, pages being 1-based.
func (f JobFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// Claim describes a lease acquisition.
type Claim struct {
	Token string
	Now   time.Time
	TTL   time.Duration
}

// JobStore persists jobs and their log lines.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// ClaimJob moves a PENDING or RUNNING job without a live lease to
	// RUNNING under the given lease and returns the updated row.
	ClaimJob(ctx context.Context, id int64, claim Claim) (*models.Job, error)
	// RenewLease pushes the lease expiry forward.
	RenewLease(ctx context.Context, id int64, token string, until time.Time) error
	// FinishJob commits a terminal status under the lease and releases it.
	FinishJob(ctx context.Context, id int64, token string, status models.JobStatus, output map[string]any, finishedAt time.Time) error
	// FailPending flips a PENDING job straight to ERROR. Used when the job
	// never reached the queue.
	FailPending(ctx context.Context, id int64, output map[string]any, finishedAt time.Time) error

	// AppendJobLog writes one line. A non-empty token must match the job's
	// current lease, otherwise ErrLeaseLost is returned and nothing is written.
	AppendJobLog(ctx context.Context, jobID int64, token, level, message string) (*models.JobLog, error)
	// JobLogsAfter returns lines with id > afterID in ascending id order.
	JobLogsAfter(ctx context.Context, jobID, afterID int64) ([]*models.JobLog, error)
	// TailJobLogs returns the newest limit lines in ascending id order.
	TailJobLogs(ctx context.Context, jobID int64, limit int) ([]*models.JobLog, error)
}

// PolicyStore persists service policies and reads the inventory they hang off.
type PolicyStore interface {
	GetCompany(ctx context.Context, id int64) (*models.Company, error)
	GetServer(ctx context.Context, id int64) (*models.Server, error)
	ListServers(ctx context.Context, companyID int64) ([]*models.Server, error)
	GetCredential(ctx context.Context, id int64) (*models.Credential, error)

	GetPolicy(ctx context.Context, serverID int64, serviceType models.ServiceType) (*models.ServicePolicy, error)
	ListPolicies(ctx context.Context, serverID int64) ([]*models.ServicePolicy, error)
	// EnsurePolicy inserts p unless a row for its (server, service type)
	// already exists. It reports whether a row was created.
	EnsurePolicy(ctx context.Context, p *models.ServicePolicy) (bool, error)
	// CommitPolicy inserts or updates p and appends entry in one transaction.
	CommitPolicy(ctx context.Context, p *models.ServicePolicy, entry *models.ServiceLog) error
	// AppendServiceLog appends entry on its own.
	AppendServiceLog(ctx context.Context, entry *models.ServiceLog) error
	// ListServiceLogs returns the newest entries of a company's servers.
	ListServiceLogs(ctx context.Context, companyID int64, limit int) ([]*models.ServiceLog, error)
	// DuePolicies returns enabled interval policies with next_run_at <= now.
	DuePolicies(ctx context.Context, now time.Time, limit int) ([]*models.ServicePolicy, error)
	// ClaimPolicyRun moves next_run_at of an enabled interval policy from
	// observed to next. It reports false when the row no longer carries
	// observed, i.e. another scheduler claimed or the policy changed.
	ClaimPolicyRun(ctx context.Context, id int64, observed, next time.Time) (bool, error)
}

// AuditStore appends audit rows.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
}
