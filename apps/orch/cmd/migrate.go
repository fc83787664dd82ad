package cmd

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/omniforge/orch/pkg/db"
	"github.com/omniforge/orch/pkg/olog"
	"github.com/spf13/cobra"
)

var migrateRollback bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Applies pending migrations. Only the DB_* variables are read, so this can run before the rest of the environment exists.`,
	RunE:  migrateDB,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "Roll back the last migration group instead")
}

func migrateDB(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ No .env file found")
	} else {
		log.Println("✓ Loaded .env file")
	}

	ctx := cmd.Context()

	var cfg db.Config
	if err := envconfig.Process("DB", &cfg); err != nil {
		return fmt.Errorf("failed to process env vars: %w", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := olog.NewForEnvironment("", verbose).Logger

	if migrateRollback {
		return db.Rollback(ctx, database, logger)
	}
	logger.Info("running migrations")
	return db.Migrate(ctx, database, logger)
}
