// Package identity verifies bearer tokens and carries the authenticated
// principal through request contexts.
package identity

import (
	"context"
	"slices"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Principal is the authenticated caller.
type Principal struct {
	ID    int64
	Email string
	Roles []string
}

// HasAnyRole reports whether p holds at least one of roles. An empty roles
// list matches any principal that has some role.
func (p *Principal) HasAnyRole(roles ...string) bool {
	if p == nil {
		return false
	}
	if len(roles) == 0 {
		return len(p.Roles) > 0
	}
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal, or nil when the request is anonymous.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
