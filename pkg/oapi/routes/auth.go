package routes

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/identity"
)

// requireRoles returns the request principal when it holds one of roles.
// An empty roles list accepts any principal with at least one role.
func requireRoles(ctx context.Context, roles []string) (*identity.Principal, error) {
	p := identity.FromContext(ctx)
	if p == nil {
		return nil, huma.Error401Unauthorized("Not authenticated")
	}
	if !p.HasAnyRole(roles...) {
		return nil, huma.Error403Forbidden("Insufficient role")
	}
	return p, nil
}
