// Command authazure serves the hybrid-flow login, logout and service token
// endpoints.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidpede/authAzureAD/config"
	"github.com/davidpede/authAzureAD/user"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "authazure",
		Short:        "OpenID Connect hybrid-flow login with user reconciliation and a service token vault",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is parsed")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the login, logout and token endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.WithDotEnv(envFile))
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, ln)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL user store tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.WithDotEnv(envFile))
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%sDATABASE_URL is not set", config.EnvPrefix)
			}
			return migrate(cmd.Context(), cfg.DatabaseURL)
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func migrate(ctx context.Context, databaseURL string) error {
	s, err := user.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Migrate(ctx)
}
