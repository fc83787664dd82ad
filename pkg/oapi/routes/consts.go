package routes

import "github.com/omniforge/orch/pkg/identity"

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
)

type Tag string

const (
	TagHealth    Tag = "health"
	TagRunbooks  Tag = "runbooks"
	TagJobs      Tag = "jobs"
	TagHetzner   Tag = "hetzner"
	TagCompanies Tag = "companies"
)

func (t Tag) String() string { return string(t) }

func AllTags() []string {
	return []string{
		TagHealth.String(),
		TagRunbooks.String(),
		TagJobs.String(),
		TagHetzner.String(),
		TagCompanies.String(),
	}
}

// Role sets accepted by the endpoints.
var (
	anyRole   = []string{}
	operators = []string{identity.RoleAdmin, identity.RoleOperator}
	admins    = []string{identity.RoleAdmin}
)
