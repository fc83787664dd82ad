package models

import (
	"time"

	"github.com/uptrace/bun"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusSuccess  JobStatus = "SUCCESS"
	JobStatusError    JobStatus = "ERROR"
	JobStatusCanceled JobStatus = "CANCELED"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusError, JobStatusCanceled:
		return true
	}
	return false
}

// Pickable reports whether an executor may claim a job in state s.
func (s JobStatus) Pickable() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	return s.Pickable() || s.Terminal()
}

// Job log levels. Level is free-form; these are the ones the pipeline writes.
const (
	LogLevelInfo    = "INFO"
	LogLevelWarn    = "WARN"
	LogLevelError   = "ERROR"
	LogLevelSuccess = "SUCCESS"
)

// Job is one execution of a named runbook.
type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          int64          `bun:",pk,autoincrement"`
	RunbookName string         `bun:",notnull"`
	Status      JobStatus      `bun:",notnull,default:'PENDING'"`
	Input       map[string]any `bun:",type:jsonb,notnull,default:'{}'"`
	Output      map[string]any `bun:",type:jsonb,nullzero"`
	CreatedBy   int64          `bun:",notnull"`

	// LeaseToken is owned by the executor that claimed the job. Writes
	// carrying any other token are rejected.
	LeaseToken     string     `bun:",nullzero"`
	LeaseExpiresAt *time.Time `bun:",nullzero"`

	CreatedAt  time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	StartedAt  *time.Time `bun:",nullzero"`
	FinishedAt *time.Time `bun:",nullzero"`
}

// JobLog is one append-only progress line of a Job. IDs are strictly
// increasing and double as the streaming cursor.
type JobLog struct {
	bun.BaseModel `bun:"table:job_logs,alias:jl"`

	ID      int64     `bun:",pk,autoincrement"`
	JobID   int64     `bun:",notnull"`
	TS      time.Time `bun:"ts,nullzero,notnull,default:current_timestamp"`
	Level   string    `bun:",notnull,default:'INFO'"`
	Message string    `bun:",notnull"`
}
