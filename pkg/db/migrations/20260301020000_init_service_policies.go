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
			Model((*models.ServicePolicy)(nil)).
			IfNotExists().
			ForeignKey(`("server_id") REFERENCES hetzner_servers ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// The scheduler scans for due interval policies.
		_, err = db.NewCreateIndex().
			Model((*models.ServicePolicy)(nil)).
			Index("hetzner_service_policies_next_run_at_idx").
			Column("next_run_at").
			Where("enabled AND schedule_mode = 'interval'").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.ServiceLog)(nil)).
			IfNotExists().
			ForeignKey(`("server_id") REFERENCES hetzner_servers ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateIndex().
			Model((*models.ServiceLog)(nil)).
			Index("hetzner_service_logs_server_created_idx").
			Column("server_id", "created_at").
			IfNotExists().
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*models.ServiceLog)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.ServicePolicy)(nil)).IfExists().Exec(ctx)
		return err
	})
}
