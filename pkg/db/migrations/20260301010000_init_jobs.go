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
			Model((*models.Job)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateIndex().
			Model((*models.Job)(nil)).
			Index("jobs_status_idx").
			Column("status").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateIndex().
			Model((*models.Job)(nil)).
			Index("jobs_runbook_name_idx").
			Column("runbook_name").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*models.JobLog)(nil)).
			IfNotExists().
			ForeignKey(`("job_id") REFERENCES jobs ("id") ON DELETE CASCADE`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// Streaming reads are "job_id = ? AND id > ? ORDER BY id".
		_, err = db.NewCreateIndex().
			Model((*models.JobLog)(nil)).
			Index("job_logs_job_id_id_idx").
			Column("job_id", "id").
			IfNotExists().
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*models.JobLog)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewDropTable().Model((*models.Job)(nil)).IfExists().Exec(ctx)
		return err
	})
}
