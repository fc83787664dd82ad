package routes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/jobs"
	"github.com/omniforge/orch/pkg/oapi/schemas"
	"github.com/omniforge/orch/pkg/store"
)

type ListJobsInput struct {
	Status   string `query:"status" doc:"Filter by status" required:"false"`
	Runbook  string `query:"runbook" doc:"Filter by runbook name" required:"false"`
	Page     int    `query:"page" minimum:"1" default:"1" doc:"Page number"`
	PageSize int    `query:"page_size" minimum:"1" maximum:"200" default:"20" doc:"Page size"`
}

type ListJobsOutput struct {
	Body schemas.JobListResponse
}

type JobPathInput struct {
	JobID int64 `path:"jobId" doc:"Job ID"`
}

type GetJobOutput struct {
	Body schemas.JobResponse
}

type JobLogsInput struct {
	JobID int64 `path:"jobId" doc:"Job ID"`
	Limit int   `query:"limit" minimum:"1" maximum:"2000" default:"200" doc:"Number of newest lines to return"`
}

type JobLogsOutput struct {
	Body []schemas.JobLogResponse
}

type JobArtifactsOutput struct {
	Body []schemas.ArtifactResponse
}

type JobArtifactInput struct {
	JobID int64  `path:"jobId" doc:"Job ID"`
	Name  string `path:"name" doc:"Artifact file name, e.g. manifest.json"`
}

// RegisterJobs registers job-related routes
func RegisterJobs(api huma.API, svc *jobs.Service, streamer *jobs.Streamer, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/v1/jobs",
		Summary:     "List jobs",
		Description: "List jobs newest first, optionally filtered by status and runbook",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		filter := store.JobFilter{
			Status:   models.JobStatus(input.Status),
			Runbook:  input.Runbook,
			Page:     input.Page,
			PageSize: input.PageSize,
		}
		items, total, err := svc.List(ctx, filter)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}

		resp := &ListJobsOutput{}
		resp.Body.Items = make([]schemas.JobResponse, len(items))
		for i, job := range items {
			resp.Body.Items[i] = jobToResponse(job)
		}
		resp.Body.Total = total
		resp.Body.Page = max(input.Page, 1)
		resp.Body.PageSize = input.PageSize
		if resp.Body.PageSize <= 0 {
			resp.Body.PageSize = jobs.DefaultPageSize
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{jobId}",
		Summary:     "Get job details",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *JobPathInput) (*GetJobOutput, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		job, err := svc.Get(ctx, input.JobID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &GetJobOutput{Body: jobToResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-logs",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{jobId}/logs",
		Summary:     "Get job logs",
		Description: "Return the newest log lines of a job in ascending order",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *JobLogsInput) (*JobLogsOutput, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		lines, err := svc.Logs(ctx, input.JobID, input.Limit)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		resp := &JobLogsOutput{Body: make([]schemas.JobLogResponse, len(lines))}
		for i, l := range lines {
			resp.Body[i] = logToResponse(l)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-job",
		Method:        http.MethodPost,
		Path:          "/v1/jobs/{jobId}/cancel",
		Summary:       "Cancel a job",
		Description:   "Request cancellation. The executor stops at its next step boundary and marks the job CANCELED.",
		Tags:          []string{TagJobs.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *JobPathInput) (*GetJobOutput, error) {
		p, err := requireRoles(ctx, operators)
		if err != nil {
			return nil, err
		}
		job, err := svc.Cancel(ctx, p, input.JobID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &GetJobOutput{Body: jobToResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-artifacts",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{jobId}/artifacts",
		Summary:     "List job artifacts",
		Description: "List files stored by the job with presigned download URLs",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *JobPathInput) (*JobArtifactsOutput, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		list, err := svc.ListArtifacts(ctx, input.JobID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		resp := &JobArtifactsOutput{Body: make([]schemas.ArtifactResponse, len(list))}
		for i, a := range list {
			resp.Body[i] = schemas.ArtifactResponse{
				Name:        a.Name(),
				Key:         a.Key,
				Size:        a.Size,
				ContentType: a.ContentType,
				UpdatedAt:   a.LastModified,
				URL:         a.URL,
			}
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-artifact",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{jobId}/artifacts/{name}",
		Summary:     "Download job artifact",
		Description: "Stream one stored file through the API, for deployments whose object storage is not reachable by clients",
		Tags:        []string{TagJobs.String()},
		Security:    BearerAuth,
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Artifact content",
				Content: map[string]*huma.MediaType{
					"application/octet-stream": {Schema: &huma.Schema{Type: huma.TypeString, Format: "binary"}},
				},
			},
		},
	}, func(ctx context.Context, input *JobArtifactInput) (*huma.StreamResponse, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		rc, a, err := svc.OpenArtifact(ctx, input.JobID, input.Name)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}

		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				defer rc.Close()
				contentType := a.ContentType
				if contentType == "" {
					contentType = "application/octet-stream"
				}
				hctx.SetHeader("Content-Type", contentType)
				hctx.SetHeader("Content-Disposition", fmt.Sprintf("attachment; filename=%q", input.Name))
				if a.Size > 0 {
					hctx.SetHeader("Content-Length", strconv.FormatInt(a.Size, 10))
				}
				hctx.SetStatus(http.StatusOK)
				if _, err := io.Copy(hctx.BodyWriter(), rc); err != nil && hctx.Context().Err() == nil {
					logger.Warn("artifact download aborted", "job_id", input.JobID, "name", input.Name, "error", err)
				}
			},
		}, nil
	})

	registerJobStream(api, svc, streamer, logger)
}

func jobToResponse(job *models.Job) schemas.JobResponse {
	input := job.Input
	if input == nil {
		input = map[string]any{}
	}
	return schemas.JobResponse{
		ID:          job.ID,
		RunbookName: job.RunbookName,
		Status:      string(job.Status),
		Input:       input,
		Output:      job.Output,
		CreatedBy:   job.CreatedBy,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		CreatedAt:   job.CreatedAt,
	}
}

func logToResponse(l *models.JobLog) schemas.JobLogResponse {
	return schemas.JobLogResponse{
		ID:      l.ID,
		JobID:   l.JobID,
		TS:      l.TS,
		Level:   l.Level,
		Message: l.Message,
	}
}
