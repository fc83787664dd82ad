package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/omniforge/orch/pkg/osdk"
	"github.com/spf13/cobra"
)

type contextKey string

const configContextKey contextKey = "orchconfig"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "orch",
		Short: "Runbook job pipeline and Hetzner service policies",
		Long: `orch runs the operations console backend: the HTTP API, the runbook
workers and the service policy scheduler. Server commands read their settings
from the environment (.env is loaded in development). Client commands such as
tail read orch.yaml, .orch/config.yaml and ORCH_* variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := osdk.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			v := cfg.Viper()
			if f := cmd.Flags().Lookup("base-url"); f != nil && f.Changed {
				v.Set(osdk.BaseUrlKey, f.Value.String())
			}
			if f := cmd.Flags().Lookup("token"); f != nil && f.Changed {
				v.Set(osdk.TokenKey, f.Value.String())
			}
			if err := cfg.Refresh(); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the client Config from the command context
func GetConfig(cmd *cobra.Command) (*osdk.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*osdk.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "client config file (YAML). Searches: orch.yaml, .orch/config.yaml")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the orch API (overrides config)")
	rootCmd.PersistentFlags().String("token", "", "API token (overrides ORCH_TOKEN and the keyring)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")
}
