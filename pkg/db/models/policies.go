package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ServiceType names an automated action a server can receive.
type ServiceType string

const (
	ServiceTypeBackup   ServiceType = "backup"
	ServiceTypeSnapshot ServiceType = "snapshot"
)

// ServiceTypes lists every service type in display order.
var ServiceTypes = []ServiceType{ServiceTypeBackup, ServiceTypeSnapshot}

// ScheduleMode controls whether a policy is projected forward in time.
type ScheduleMode string

const (
	ScheduleModeManual   ScheduleMode = "manual"
	ScheduleModeInterval ScheduleMode = "interval"
)

// Policy run outcomes stored in ServicePolicy.LastStatus.
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// ServicePolicy configures one (server, service type) pair.
type ServicePolicy struct {
	bun.BaseModel `bun:"table:hetzner_service_policies,alias:sp"`

	ID                  int64        `bun:",pk,autoincrement"`
	ServerID            int64        `bun:",notnull,unique:server_service"`
	ServiceType         ServiceType  `bun:",notnull,unique:server_service"`
	Enabled             bool         `bun:",notnull,default:false"`
	RequireConfirmation bool         `bun:",notnull,default:true"`
	ScheduleMode        ScheduleMode `bun:",notnull,default:'manual'"`
	IntervalMinutes     *int
	RetentionDays       *int
	RetentionCount      *int

	LastRunAt  *time.Time `bun:",nullzero"`
	NextRunAt  *time.Time `bun:",nullzero"`
	LastStatus string     `bun:",nullzero"`
	LastError  string     `bun:",nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Service log actions and statuses.
const (
	ServiceActionPolicyUpdate = "policy_update"
	ServiceActionRunNow       = "run_now"
	ServiceActionScheduledRun = "scheduled_run"

	ServiceLogOK    = "ok"
	ServiceLogError = "error"
)

// ServiceLog is the immutable audit trail of policy actions.
type ServiceLog struct {
	bun.BaseModel `bun:"table:hetzner_service_logs,alias:sl"`

	ID          int64       `bun:",pk,autoincrement"`
	ServerID    int64       `bun:",notnull"`
	ServiceType ServiceType `bun:",notnull"`
	Action      string      `bun:",notnull,default:'run'"`
	Status      string      `bun:",notnull,default:'ok'"`
	Message     string      `bun:",notnull"`
	CreatedBy   *int64
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
