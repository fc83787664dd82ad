package routes

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/oapi/schemas"
	"github.com/omniforge/orch/pkg/policy"
)

type CompanyPathInput struct {
	CompanyID int64 `path:"companyId" doc:"Company ID"`
}

type ServiceLogsInput struct {
	CompanyID int64 `path:"companyId" doc:"Company ID"`
	Limit     int   `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Number of entries"`
}

type ServiceLogsOutput struct {
	Body []schemas.ServiceLogResponse
}

type ServiceStatusOutput struct {
	Body []schemas.ServiceStatusResponse
}

// RegisterCompanies registers the per-company Hetzner views
func RegisterCompanies(api huma.API, engine *policy.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-service-logs",
		Method:      http.MethodGet,
		Path:        "/v1/companies/{companyId}/hetzner/logs",
		Summary:     "List service logs",
		Description: "Newest policy history entries across the company's servers",
		Tags:        []string{TagCompanies.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ServiceLogsInput) (*ServiceLogsOutput, error) {
		if _, err := requireRoles(ctx, admins); err != nil {
			return nil, err
		}
		list, err := engine.ListLogs(ctx, input.CompanyID, input.Limit)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		resp := &ServiceLogsOutput{Body: make([]schemas.ServiceLogResponse, len(list))}
		for i, l := range list {
			resp.Body[i] = schemas.ServiceLogResponse{
				ID:          l.ID,
				ServerID:    l.ServerID,
				ServiceType: string(l.ServiceType),
				Action:      l.Action,
				Status:      l.Status,
				Message:     l.Message,
				CreatedBy:   l.CreatedBy,
				CreatedAt:   l.CreatedAt,
			}
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-service-status",
		Method:      http.MethodGet,
		Path:        "/v1/companies/{companyId}/hetzner/status",
		Summary:     "Service status board",
		Description: "Derived status of every server and service type of the company",
		Tags:        []string{TagCompanies.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *CompanyPathInput) (*ServiceStatusOutput, error) {
		if _, err := requireRoles(ctx, admins); err != nil {
			return nil, err
		}
		list, err := engine.Statuses(ctx, input.CompanyID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &ServiceStatusOutput{Body: statusesToResponse(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-service-alerts",
		Method:      http.MethodGet,
		Path:        "/v1/companies/{companyId}/hetzner/alerts",
		Summary:     "Service alerts",
		Description: "Status rows that are overdue, failed or have no policy",
		Tags:        []string{TagCompanies.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *CompanyPathInput) (*ServiceStatusOutput, error) {
		if _, err := requireRoles(ctx, admins); err != nil {
			return nil, err
		}
		list, err := engine.Alerts(ctx, input.CompanyID)
		if err != nil {
			return nil, toHTTPError(logger, err)
		}
		return &ServiceStatusOutput{Body: statusesToResponse(list)}, nil
	})
}

func statusesToResponse(list []policy.ServiceStatus) []schemas.ServiceStatusResponse {
	out := make([]schemas.ServiceStatusResponse, len(list))
	for i, s := range list {
		out[i] = schemas.ServiceStatusResponse{
			ServerID:    s.ServerID,
			ServerName:  s.ServerName,
			ServiceType: string(s.ServiceType),
			Status:      string(s.Status),
			Details:     s.Details,
			NextRunAt:   s.NextRunAt,
			LastRunAt:   s.LastRunAt,
		}
	}
	return out
}
