package migrations

import (
	"context"
	"fmt"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		_, err := db.NewCreateTable().
			Model((*models.Company)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.Credential)(nil)).
			IfNotExists().
			ForeignKey(`("company_id") REFERENCES companies ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.Server)(nil)).
			IfNotExists().
			ForeignKey(`("company_id") REFERENCES companies ("id") ON DELETE CASCADE`).
			ForeignKey(`("credential_id") REFERENCES api_credentials ("id") ON DELETE SET NULL`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.AuditLog)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateIndex().
			Model((*models.AuditLog)(nil)).
			Index("audit_logs_action_ts_idx").
			Column("action", "ts").
			IfNotExists().
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		for _, model := range []any{
			(*models.AuditLog)(nil),
			(*models.Server)(nil),
			(*models.Credential)(nil),
			(*models.Company)(nil),
		} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
