package routes

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/oerr"
)

// toHTTPError maps service errors onto huma errors. Errors without a
// known code are logged and hidden behind a 500.
func toHTTPError(logger *slog.Logger, err error) error {
	msg := err.Error()
	switch oerr.CodeOf(err) {
	case oerr.CodeNotFound:
		return huma.Error404NotFound(msg)
	case oerr.CodeInvalidInput, oerr.CodePolicyPrecondition, oerr.CodeExternalActionFailure:
		return huma.Error400BadRequest(msg)
	case oerr.CodeUnauthorized:
		return huma.Error401Unauthorized(msg)
	case oerr.CodeForbidden:
		return huma.Error403Forbidden(msg)
	case oerr.CodeConflict:
		return huma.Error409Conflict(msg)
	case oerr.CodeQueueUnavailable:
		return huma.Error503ServiceUnavailable(msg)
	}
	if logger != nil {
		logger.Error("request failed", "error", err)
	}
	return huma.Error500InternalServerError("internal server error")
}
