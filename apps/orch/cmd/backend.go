package cmd

import (
	"context"
	"fmt"

	"github.com/omniforge/orch/pkg/db"
	"github.com/omniforge/orch/pkg/oapi/config"
	"github.com/omniforge/orch/pkg/oapi/services"
	"github.com/omniforge/orch/pkg/olog"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
)

// backend bundles what serve and worker share.
type backend struct {
	cfg    *config.EnvConfig
	logger *olog.Logger
	db     *bun.DB
	svcs   *services.Services
}

func setupBackend(ctx context.Context, cmd *cobra.Command) (*backend, error) {
	cfg, err := config.ValidateEnv()
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := olog.NewForEnvironment(cfg.Environment, verbose || cfg.Verbose)
	cfg.Print(func(format string, args ...interface{}) {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	})

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	svcs, err := services.NewServices(ctx, cfg, database, logger.Logger)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := svcs.Ping(ctx); err != nil {
		// The queue reconnects on its own; executions fail with
		// queue_unavailable until it does.
		logger.Warn("queue broker unreachable", "addr", cfg.RedisAddr, "error", err)
	}

	return &backend{cfg: cfg, logger: logger, db: database, svcs: svcs}, nil
}

func (b *backend) Close() {
	if err := b.svcs.Close(); err != nil {
		b.logger.Warn("closing services", "error", err)
	}
	if err := b.db.Close(); err != nil {
		b.logger.Warn("closing database", "error", err)
	}
}
