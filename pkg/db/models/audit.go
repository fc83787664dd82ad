package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AuditLog struct {
	bun.BaseModel `bun:"table:audit_logs,alias:al"`

	ID          int64 `bun:",pk,autoincrement"`
	ActorUserID *int64
	Action      string         `bun:",notnull"`
	TargetType  string         `bun:",notnull"`
	TargetID    string         `bun:",nullzero"`
	TS          time.Time      `bun:"ts,nullzero,notnull,default:current_timestamp"`
	Metadata    map[string]any `bun:",type:jsonb"`
}
