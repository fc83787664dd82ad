package routes

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/oapi/schemas"
	"github.com/omniforge/orch/pkg/policy"
)

type ServerPathInput struct {
	ServerID int64 `path:"serverId" doc:"Server ID"`
}

type ServicePathInput struct {
	ServerID    int64  `path:"serverId" doc:"Server ID"`
	ServiceType string `path:"serviceType" enum:"backup,snapshot" doc:"Service type"`
}

type UpsertPolicyInput struct {
	ServerID    int64  `path:"serverId" doc:"Server ID"`
	ServiceType string `path:"serviceType" enum:"backup,snapshot" doc:"Service type"`
	Body        schemas.PolicyRequest
}

type RunServiceInput struct {
	ServerID    int64                      `path:"serverId" doc:"Server ID"`
	ServiceType string                     `path:"serviceType" enum:"backup,snapshot" doc:"Service type"`
	Body        *schemas.RunServiceRequest `required:"false"`
}

type ListPoliciesOutput struct {
	Body []schemas.PolicyResponse
}

type PolicyOutput struct {
	Body schemas.PolicyResponse
}

// RegisterPolicies registers the Hetzner service policy routes
func RegisterPolicies(api huma.API, engine *policy.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-service-policies",
		Method:      http.MethodGet,
		Path:        "/v1/hetzner/servers/{serverId}/services",
		Summary:     "List service policies",
		Description: "List the backup and snapshot policies of a server, creating disabled defaults when missing",
		Tags:        []string{TagHetzner.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ServerPathInput) (*ListPoliciesOutput, error) {
		if _, err := requireRoles(ctx, admins); err != nil {
			return nil, err
		}
		list, err := engine.ListPolicies(ctx, input.ServerID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		resp := &ListPoliciesOutput{Body: make([]schemas.PolicyResponse, len(list))}
		for i, p := range list {
			resp.Body[i] = policyToResponse(p)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service-policy",
		Method:      http.MethodGet,
		Path:        "/v1/hetzner/servers/{serverId}/services/{serviceType}",
		Summary:     "Get a service policy",
		Tags:        []string{TagHetzner.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ServicePathInput) (*PolicyOutput, error) {
		if _, err := requireRoles(ctx, admins); err != nil {
			return nil, err
		}
		p, err := engine.GetPolicy(ctx, input.ServerID, models.ServiceType(input.ServiceType))
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &PolicyOutput{Body: policyToResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-service-policy",
		Method:      http.MethodPut,
		Path:        "/v1/hetzner/servers/{serverId}/services/{serviceType}",
		Summary:     "Configure a service policy",
		Description: "Replace the policy configuration. Run history is kept and next_run_at is recomputed.",
		Tags:        []string{TagHetzner.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *UpsertPolicyInput) (*PolicyOutput, error) {
		actor, err := requireRoles(ctx, admins)
		if err != nil {
			return nil, err
		}
		body := input.Body
		in := policy.PolicyInput{
			Enabled:             body.Enabled,
			RequireConfirmation: true,
			ScheduleMode:        models.ScheduleMode(body.ScheduleMode),
			IntervalMinutes:     body.IntervalMinutes,
			RetentionDays:       body.RetentionDays,
			RetentionCount:      body.RetentionCount,
		}
		if body.RequireConfirmation != nil {
			in.RequireConfirmation = *body.RequireConfirmation
		}
		if in.ScheduleMode == "" {
			in.ScheduleMode = models.ScheduleModeManual
		}

		p, err := engine.Upsert(ctx, actor, input.ServerID, models.ServiceType(input.ServiceType), in)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &PolicyOutput{Body: policyToResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-service",
		Method:      http.MethodPost,
		Path:        "/v1/hetzner/servers/{serverId}/services/{serviceType}/run",
		Summary:     "Run a service now",
		Description: "Execute the policy against the Hetzner API. Failed preconditions and failed actions return 400; failed actions are still recorded in the policy history.",
		Tags:        []string{TagHetzner.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunServiceInput) (*PolicyOutput, error) {
		actor, err := requireRoles(ctx, admins)
		if err != nil {
			return nil, err
		}
		confirm := input.Body != nil && input.Body.Confirm
		p, err := engine.RunNow(ctx, actor, input.ServerID, models.ServiceType(input.ServiceType), confirm)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &PolicyOutput{Body: policyToResponse(p)}, nil
	})
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func policyToResponse(p *models.ServicePolicy) schemas.PolicyResponse {
	return schemas.PolicyResponse{
		ID:                  p.ID,
		ServerID:            p.ServerID,
		ServiceType:         string(p.ServiceType),
		Enabled:             p.Enabled,
		RequireConfirmation: p.RequireConfirmation,
		ScheduleMode:        string(p.ScheduleMode),
		IntervalMinutes:     p.IntervalMinutes,
		RetentionDays:       p.RetentionDays,
		RetentionCount:      p.RetentionCount,
		LastRunAt:           p.LastRunAt,
		NextRunAt:           p.NextRunAt,
		LastStatus:          optString(p.LastStatus),
		LastError:           optString(p.LastError),
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}
