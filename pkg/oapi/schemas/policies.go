package schemas

import "time"

// PolicyRequest replaces a service policy's configuration
type PolicyRequest struct {
	Enabled             bool   `json:"enabled" doc:"Whether the policy may run"`
	RequireConfirmation *bool  `json:"require_confirmation,omitempty" doc:"Manual runs need confirm=true (default true)"`
	ScheduleMode        string `json:"schedule_mode,omitempty" enum:"manual,interval" default:"manual" doc:"Scheduling mode"`
	IntervalMinutes     *int   `json:"interval_minutes,omitempty" minimum:"0" doc:"Minutes between runs in interval mode"`
	RetentionDays       *int   `json:"retention_days,omitempty" minimum:"0" doc:"Retention in days"`
	RetentionCount      *int   `json:"retention_count,omitempty" minimum:"0" doc:"Number of copies to keep"`
}

// PolicyResponse represents a service policy
type PolicyResponse struct {
	ID                  int64      `json:"id"`
	ServerID            int64      `json:"server_id"`
	ServiceType         string     `json:"service_type" enum:"backup,snapshot"`
	Enabled             bool       `json:"enabled"`
	RequireConfirmation bool       `json:"require_confirmation"`
	ScheduleMode        string     `json:"schedule_mode" enum:"manual,interval"`
	IntervalMinutes     *int       `json:"interval_minutes"`
	RetentionDays       *int       `json:"retention_days"`
	RetentionCount      *int       `json:"retention_count"`
	LastRunAt           *time.Time `json:"last_run_at"`
	NextRunAt           *time.Time `json:"next_run_at"`
	LastStatus          *string    `json:"last_status"`
	LastError           *string    `json:"last_error"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RunServiceRequest triggers a manual run
type RunServiceRequest struct {
	Confirm bool `json:"confirm,omitempty" doc:"Required when the policy asks for confirmation"`
}

// ServiceLogResponse is one entry of the policy execution history
type ServiceLogResponse struct {
	ID          int64     `json:"id"`
	ServerID    int64     `json:"server_id"`
	ServiceType string    `json:"service_type"`
	Action      string    `json:"action" enum:"policy_update,run_now,scheduled_run"`
	Status      string    `json:"status" enum:"ok,error"`
	Message     string    `json:"message"`
	CreatedBy   *int64    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServiceStatusResponse is one row of a company's status board
type ServiceStatusResponse struct {
	ServerID    int64      `json:"server_id"`
	ServerName  string     `json:"server_name"`
	ServiceType string     `json:"service_type" enum:"backup,snapshot"`
	Status      string     `json:"status" enum:"ok,overdue,failure,paused,no_policy"`
	Details     string     `json:"details"`
	NextRunAt   *time.Time `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at"`
}
