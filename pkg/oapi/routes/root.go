package routes

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/oapi/services"
)

func RegisterAPI(api huma.API, svcs *services.Services, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	RegisterHealth(api)
	if svcs == nil {
		RegisterRunbooks(api, nil, logger)
		RegisterJobs(api, nil, nil, logger)
		RegisterPolicies(api, nil, logger)
		RegisterCompanies(api, nil, logger)
	} else {
		RegisterRunbooks(api, svcs.Jobs, logger)
		RegisterJobs(api, svcs.Jobs, svcs.Streamer, logger)
		RegisterPolicies(api, svcs.Policies, logger)
		RegisterCompanies(api, svcs.Policies, logger)
	}
}
