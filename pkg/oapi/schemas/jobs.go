package schemas

import "time"

// RunbookResponse describes a registered runbook
type RunbookResponse struct {
	Name     string         `json:"name" doc:"Runbook name"`
	Version  string         `json:"version" doc:"Runbook version"`
	Category string         `json:"category" doc:"Runbook category"`
	Enabled  bool           `json:"enabled" doc:"Whether the runbook can be executed"`
	Schema   map[string]any `json:"schema_json" doc:"JSON schema of the runbook inputs"`
}

// ExecuteRunbookRequest carries the runbook inputs
type ExecuteRunbookRequest struct {
	Inputs map[string]any `json:"inputs,omitempty" doc:"Runbook inputs"`
}

// ExecuteRunbookResponse identifies the queued job
type ExecuteRunbookResponse struct {
	JobID  int64  `json:"job_id" doc:"Job ID"`
	Status string `json:"status" doc:"Job status"`
}

// JobResponse represents a job
type JobResponse struct {
	ID          int64          `json:"id" doc:"Job ID"`
	RunbookName string         `json:"runbook_name" doc:"Runbook name"`
	Status      string         `json:"status" doc:"Job status" enum:"PENDING,RUNNING,SUCCESS,ERROR,CANCELED"`
	Input       map[string]any `json:"input_json" doc:"Runbook inputs"`
	Output      map[string]any `json:"output_json" doc:"Result or error payload once terminal"`
	CreatedBy   int64          `json:"created_by" doc:"ID of the requesting user"`
	StartedAt   *time.Time     `json:"started_at" doc:"Start timestamp"`
	FinishedAt  *time.Time     `json:"finished_at" doc:"Finish timestamp"`
	CreatedAt   time.Time      `json:"created_at" doc:"Creation timestamp"`
}

// JobListResponse is one page of jobs
type JobListResponse struct {
	Items    []JobResponse `json:"items" doc:"Jobs, newest first"`
	Total    int           `json:"total" doc:"Number of jobs matching the filter"`
	Page     int           `json:"page" doc:"Page number"`
	PageSize int           `json:"page_size" doc:"Page size"`
}

// JobLogResponse is one log line of a job. The stream endpoint sends the
// same shape as SSE data.
type JobLogResponse struct {
	ID      int64     `json:"id" doc:"Log line ID, strictly increasing per job"`
	JobID   int64     `json:"job_id" doc:"Job ID"`
	TS      time.Time `json:"ts" doc:"Timestamp"`
	Level   string    `json:"level" doc:"Severity tag"`
	Message string    `json:"message" doc:"Log message"`
}

// ArtifactResponse is a stored job artifact
type ArtifactResponse struct {
	Name        string    `json:"name" doc:"File name"`
	Key         string    `json:"key" doc:"Object key"`
	Size        int64     `json:"size" doc:"Size in bytes"`
	ContentType string    `json:"content_type" doc:"MIME type"`
	UpdatedAt   time.Time `json:"updated_at" doc:"Last modification"`
	URL         string    `json:"url,omitempty" doc:"Presigned download URL"`
}
