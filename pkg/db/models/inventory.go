package models

import (
	"time"

	"github.com/uptrace/bun"
)

// The records below are owned by the inventory side of the console. The
// pipeline only reads them.

type Company struct {
	bun.BaseModel `bun:"table:companies,alias:c"`

	ID        int64     `bun:",pk,autoincrement"`
	Name      string    `bun:",unique,notnull"`
	Status    string    `bun:",notnull,default:'active'"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ProviderHetzner is the only credential provider servers accept.
const ProviderHetzner = "hetzner"

type Credential struct {
	bun.BaseModel `bun:"table:api_credentials,alias:ac"`

	ID              int64     `bun:",pk,autoincrement"`
	CompanyID       int64     `bun:",notnull"`
	Provider        string    `bun:",notnull"`
	Label           string    `bun:",notnull"`
	SecretEncrypted string    `bun:",notnull"`
	CreatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type Server struct {
	bun.BaseModel `bun:"table:hetzner_servers,alias:hs"`

	ID            int64 `bun:",pk,autoincrement"`
	CompanyID     int64 `bun:",notnull,unique:company_external"`
	CredentialID  *int64
	ExternalID    string    `bun:",notnull,unique:company_external"`
	Name          string    `bun:",notnull"`
	Status        string    `bun:",notnull,default:'active'"`
	AllowBackup   bool      `bun:",notnull,default:false"`
	AllowSnapshot bool      `bun:",notnull,default:false"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Allows reports the server-level capability gate for a service type.
func (s *Server) Allows(t ServiceType) bool {
	switch t {
	case ServiceTypeBackup:
		return s.AllowBackup
	case ServiceTypeSnapshot:
		return s.AllowSnapshot
	}
	return false
}
