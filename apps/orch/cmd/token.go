package cmd

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/osdk"
	"github.com/spf13/cobra"
)

var (
	tokenUserID int64
	tokenEmail  string
	tokenRoles  []string
	tokenTTL    time.Duration
	tokenSave   bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token",
	Long: `Signs an API token with AUTH_SECRET for the given user and roles. With
--save the token is stored in the OS keyring for the configured base URL.`,
	RunE: mintToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 1, "User ID (sub claim)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "admin@localhost", "User email")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{identity.RoleAdmin}, "Role, repeatable (admin, operator, viewer)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "Store the token in the OS keyring")
}

type tokenEnv struct {
	AuthSecret  string `envconfig:"AUTH_SECRET" required:"true"`
	TokenIssuer string `envconfig:"TOKEN_ISSUER" default:"orch"`
}

func mintToken(cmd *cobra.Command, args []string) error {
	var env tokenEnv
	if err := envconfig.Process("", &env); err != nil {
		return err
	}
	for _, r := range tokenRoles {
		switch r {
		case identity.RoleAdmin, identity.RoleOperator, identity.RoleViewer:
		default:
			return fmt.Errorf("unknown role %q", r)
		}
	}

	tok, err := identity.NewTokens(env.AuthSecret, env.TokenIssuer).Issue(&identity.Principal{
		ID:    tokenUserID,
		Email: tokenEmail,
		Roles: tokenRoles,
	}, tokenTTL)
	if err != nil {
		return err
	}

	if tokenSave {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		if err := osdk.SaveToken(cfg.BaseURL, tok); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Token saved for %s\n", cfg.BaseURL)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
