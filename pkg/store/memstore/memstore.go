// Package memstore is an in-process implementation of the store interfaces.
// Records are copied on the way in and out so callers never share memory
// with the store, mirroring a real database round trip.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
)

type policyKey struct {
	serverID    int64
	serviceType models.ServiceType
}

// Store implements store.JobStore, store.PolicyStore and store.AuditStore.
type Store struct {
	mu sync.Mutex

	nextID int64
	now    func() time.Time

	jobs        map[int64]*models.Job
	jobLogs     map[int64][]*models.JobLog
	companies   map[int64]*models.Company
	servers     map[int64]*models.Server
	credentials map[int64]*models.Credential
	policies    map[policyKey]*models.ServicePolicy
	serviceLogs []*models.ServiceLog
	audit       []*models.AuditLog
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		jobs:        make(map[int64]*models.Job),
		jobLogs:     make(map[int64][]*models.JobLog),
		companies:   make(map[int64]*models.Company),
		servers:     make(map[int64]*models.Server),
		credentials: make(map[int64]*models.Credential),
		policies:    make(map[policyKey]*models.ServicePolicy),
	}
}

// SetClock overrides the timestamp source used for defaulted columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// id hands out one global sequence, so ids are increasing across tables
// just like within one.
func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Input = maps.Clone(j.Input)
	c.Output = maps.Clone(j.Output)
	return &c
}

func clonePolicy(p *models.ServicePolicy) *models.ServicePolicy {
	c := *p
	return &c
}

// ---- jobs ----

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.ID = s.id()
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Input == nil {
		job.Input = map[string]any{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Runbook != "" && job.RunbookName != filter.Runbook {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(filter.Offset(), total)
	end := total
	if filter.PageSize > 0 {
		end = min(start+filter.PageSize, total)
	}

	out := make([]*models.Job, 0, end-start)
	for _, job := range matched[start:end] {
		out = append(out, cloneJob(job))
	}
	return out, total, nil
}

func (s *Store) ClaimJob(_ context.Context, id int64, claim store.Claim) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	if !job.Status.Pickable() {
		return nil, fmt.Errorf("job %d is %s: %w", id, job.Status, store.ErrNotClaimable)
	}
	if job.LeaseToken != "" && job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.Before(claim.Now) {
		return nil, fmt.Errorf("job %d leased until %s: %w", id, job.LeaseExpiresAt.Format(time.RFC3339), store.ErrNotClaimable)
	}

	started := claim.Now
	expires := claim.Now.Add(claim.TTL)
	job.Status = models.JobStatusRunning
	job.StartedAt = &started
	job.LeaseToken = claim.Token
	job.LeaseExpiresAt = &expires
	return cloneJob(job), nil
}

func (s *Store) RenewLease(_ context.Context, id int64, token string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LeaseToken != token {
		return fmt.Errorf("renew job %d: %w", id, store.ErrLeaseLost)
	}
	job.LeaseExpiresAt = &until
	return nil
}

func (s *Store) FinishJob(_ context.Context, id int64, token string, status models.JobStatus, output map[string]any, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LeaseToken != token {
		return fmt.Errorf("finish job %d: %w", id, store.ErrLeaseLost)
	}
	job.Status = status
	job.Output = maps.Clone(output)
	job.FinishedAt = &finishedAt
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
	return nil
}

func (s *Store) FailPending(_ context.Context, id int64, output map[string]any, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job %d is %s: %w", id, job.Status, store.ErrNotClaimable)
	}
	job.Status = models.JobStatusError
	job.Output = maps.Clone(output)
	job.FinishedAt = &finishedAt
	return nil
}

func (s *Store) AppendJobLog(_ context.Context, jobID int64, token, level, message string) (*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", jobID, store.ErrNotFound)
	}
	if token != "" && job.LeaseToken != token {
		return nil, fmt.Errorf("append log to job %d: %w", jobID, store.ErrLeaseLost)
	}

	line := &models.JobLog{
		ID:      s.id(),
		JobID:   jobID,
		TS:      s.now(),
		Level:   level,
		Message: message,
	}
	s.jobLogs[jobID] = append(s.jobLogs[jobID], line)
	c := *line
	return &c, nil
}

func (s *Store) JobLogsAfter(_ context.Context, jobID, afterID int64) ([]*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.JobLog
	for _, line := range s.jobLogs[jobID] {
		if line.ID > afterID {
			c := *line
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) TailJobLogs(_ context.Context, jobID int64, limit int) ([]*models.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.jobLogs[jobID]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]*models.JobLog, 0, len(lines))
	for _, line := range lines {
		c := *line
		out = append(out, &c)
	}
	return out, nil
}

// ---- inventory (seeding helpers; the console owns these records) ----

// PutCompany stores c, assigning an id when unset.
func (s *Store) PutCompany(c *models.Company) *models.Company {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := *c
	s.companies[c.ID] = &cp
	return c
}

// PutServer stores srv, assigning an id when unset.
func (s *Store) PutServer(srv *models.Server) *models.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv.ID == 0 {
		srv.ID = s.id()
	}
	cp := *srv
	s.servers[srv.ID] = &cp
	return srv
}

// PutCredential stores c, assigning an id when unset.
func (s *Store) PutCredential(c *models.Credential) *models.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := *c
	s.credentials[c.ID] = &cp
	return c
}

// ServiceLogs returns every service log entry in insertion order.
func (s *Store) ServiceLogs() []*models.ServiceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ServiceLog, len(s.serviceLogs))
	for i, l := range s.serviceLogs {
		c := *l
		out[i] = &c
	}
	return out
}

// AuditLogs returns every audit row in insertion order.
func (s *Store) AuditLogs() []*models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuditLog, len(s.audit))
	for i, l := range s.audit {
		c := *l
		out[i] = &c
	}
	return out
}

// PolicyCount returns the number of stored policies.
func (s *Store) PolicyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.policies)
}

func (s *Store) GetCompany(_ context.Context, id int64) (*models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %d: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetServer(_ context.Context, id int64) (*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %d: %w", id, store.ErrNotFound)
	}
	cp := *srv
	return &cp, nil
}

func (s *Store) ListServers(_ context.Context, companyID int64) ([]*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Server
	for _, srv := range s.servers {
		if srv.CompanyID == companyID {
			cp := *srv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetCredential(_ context.Context, id int64) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %d: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// ---- policies ----

func (s *Store) GetPolicy(_ context.Context, serverID int64, serviceType models.ServiceType) (*models.ServicePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyKey{serverID, serviceType}]
	if !ok {
		return nil, fmt.Errorf("policy %d/%s: %w", serverID, serviceType, store.ErrNotFound)
	}
	return clonePolicy(p), nil
}

func (s *Store) ListPolicies(_ context.Context, serverID int64) ([]*models.ServicePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServicePolicy
	for key, p := range s.policies {
		if key.serverID == serverID {
			out = append(out, clonePolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceType < out[j].ServiceType })
	return out, nil
}

func (s *Store) EnsurePolicy(_ context.Context, p *models.ServicePolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey{p.ServerID, p.ServiceType}
	if _, ok := s.policies[key]; ok {
		return false, nil
	}
	s.insertPolicyLocked(p)
	return true, nil
}

func (s *Store) insertPolicyLocked(p *models.ServicePolicy) {
	p.ID = s.id()
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.policies[policyKey{p.ServerID, p.ServiceType}] = clonePolicy(p)
}

func (s *Store) CommitPolicy(_ context.Context, p *models.ServicePolicy, entry *models.ServiceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := policyKey{p.ServerID, p.ServiceType}
	if existing, ok := s.policies[key]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = s.now()
		s.policies[key] = clonePolicy(p)
	} else {
		s.insertPolicyLocked(p)
	}
	if entry != nil {
		s.appendServiceLogLocked(entry)
	}
	return nil
}

func (s *Store) AppendServiceLog(_ context.Context, entry *models.ServiceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendServiceLogLocked(entry)
	return nil
}

func (s *Store) appendServiceLogLocked(entry *models.ServiceLog) {
	entry.ID = s.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	c := *entry
	s.serviceLogs = append(s.serviceLogs, &c)
}

func (s *Store) ListServiceLogs(_ context.Context, companyID int64, limit int) ([]*models.ServiceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServiceLog
	for i := len(s.serviceLogs) - 1; i >= 0; i-- {
		entry := s.serviceLogs[i]
		srv, ok := s.servers[entry.ServerID]
		if !ok || srv.CompanyID != companyID {
			continue
		}
		c := *entry
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DuePolicies(_ context.Context, now time.Time, limit int) ([]*models.ServicePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServicePolicy
	for _, p := range s.policies {
		if !p.Enabled || p.ScheduleMode != models.ScheduleModeInterval || p.NextRunAt == nil {
			continue
		}
		if p.NextRunAt.After(now) {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimPolicyRun(_ context.Context, id int64, observed, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.ID != id {
			continue
		}
		if !p.Enabled || p.ScheduleMode != models.ScheduleModeInterval || p.NextRunAt == nil || !p.NextRunAt.Equal(observed) {
			return false, nil
		}
		n := next
		p.NextRunAt = &n
		p.UpdatedAt = s.now()
		return true, nil
	}
	return false, nil
}

// ---- audit ----

func (s *Store) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	if entry.TS.IsZero() {
		entry.TS = s.now()
	}
	c := *entry
	s.audit = append(s.audit, &c)
	return nil
}

var (
	_ store.JobStore    = (*Store)(nil)
	_ store.PolicyStore = (*Store)(nil)
	_ store.AuditStore  = (*Store)(nil)
)
