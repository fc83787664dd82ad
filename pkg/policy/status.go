// Package policy runs the backup and snapshot policies attached to Hetzner
// servers: configuration, manual and scheduled execution, and the derived
// health status that drives alerts.
package policy

import (
	"time"

	"github.com/omniforge/orch/pkg/db/models"
)

// Status is the derived health of a (server, service type) pair. It is
// computed on every read and never stored.
type Status string

const (
	StatusOK       Status = "ok"
	StatusOverdue  Status = "overdue"
	StatusFailure  Status = "failure"
	StatusPaused   Status = "paused"
	StatusNoPolicy Status = "no_policy"
)

// Alertable reports whether s should surface in the alerts list.
func (s Status) Alertable() bool {
	switch s {
	case StatusOverdue, StatusFailure, StatusNoPolicy:
		return true
	}
	return false
}

// Derive computes the status of p at now. A nil p means no policy row
// exists. The result depends on nothing else.
func Derive(p *models.ServicePolicy, now time.Time) (Status, string) {
	switch {
	case p == nil:
		return StatusNoPolicy, "No policy configured for this service"
	case !p.Enabled:
		return StatusPaused, "Policy disabled"
	case p.LastStatus == models.RunStatusFailed:
		if p.LastError != "" {
			return StatusFailure, p.LastError
		}
		return StatusFailure, "Last run failed"
	case p.LastRunAt == nil:
		return StatusOverdue, "Never run"
	}

	if p.ScheduleMode == models.ScheduleModeInterval && p.IntervalMinutes != nil && *p.IntervalMinutes > 0 {
		deadline := p.LastRunAt.Add(time.Duration(*p.IntervalMinutes) * time.Minute)
		if now.After(deadline) {
			return StatusOverdue, "Run overdue"
		}
	}
	return StatusOK, "Up to date"
}

// ServiceStatus is one row of a company's status board.
type ServiceStatus struct {
	ServerID    int64              `json:"server_id"`
	ServerName  string             `json:"server_name"`
	ServiceType models.ServiceType `json:"service_type"`
	Status      Status             `json:"status"`
	Details     string             `json:"details"`
	NextRunAt   *time.Time         `json:"next_run_at"`
	LastRunAt   *time.Time         `json:"last_run_at"`
}
