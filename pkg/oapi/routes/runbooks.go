package routes

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/jobs"
	"github.com/omniforge/orch/pkg/oapi/schemas"
)

type ListRunbooksOutput struct {
	Body []schemas.RunbookResponse
}

type ExecuteRunbookInput struct {
	Name string                         `path:"name" doc:"Runbook name"`
	Body *schemas.ExecuteRunbookRequest `required:"false"`
}

type ExecuteRunbookOutput struct {
	Body schemas.ExecuteRunbookResponse
}

func RegisterRunbooks(api huma.API, svc *jobs.Service, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runbooks",
		Method:      http.MethodGet,
		Path:        "/v1/runbooks",
		Summary:     "List runbooks",
		Description: "List the registered runbooks and their input schemas",
		Tags:        []string{TagRunbooks.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ListRunbooksOutput, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		list := svc.Runbooks()
		resp := &ListRunbooksOutput{Body: make([]schemas.RunbookResponse, 0, len(list))}
		for _, rb := range list {
			resp.Body = append(resp.Body, schemas.RunbookResponse{
				Name:     rb.Name,
				Version:  rb.Version,
				Category: rb.Category,
				Enabled:  rb.Enabled,
				Schema:   rb.Schema,
			})
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-runbook",
		Method:        http.MethodPost,
		Path:          "/v1/runbooks/{name}/execute",
		Summary:       "Execute a runbook",
		Description:   "Create a job for the runbook and queue it. Fails with 503 when the queue is unreachable; the job is then recorded as ERROR.",
		Tags:          []string{TagRunbooks.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ExecuteRunbookInput) (*ExecuteRunbookOutput, error) {
		p, err := requireRoles(ctx, operators)
		if err != nil {
			return nil, err
		}
		var inputs map[string]any
		if input.Body != nil {
			inputs = input.Body.Inputs
		}
		job, err := svc.Create(ctx, p, input.Name, inputs)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &ExecuteRunbookOutput{Body: schemas.ExecuteRunbookResponse{
			JobID:  job.ID,
			Status: string(job.Status),
		}}, nil
	})
}
