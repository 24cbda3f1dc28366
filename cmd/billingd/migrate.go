package main

import (
	"fmt"

	"github.com/artpar/billingd/bootstrap"
	"github.com/artpar/billingd/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Create or upgrade the billingd schema for the configured database.

Migrations are embedded in the binary and applied in order; running the
command again is a no-op.

Examples:
  billingd migrate
  BILLINGD_DATABASE_DRIVER=postgres BILLINGD_DATABASE_DSN=postgres://... billingd migrate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if cfg.Database.Driver == "memory" {
			fmt.Fprintln(cmd.OutOrStdout(), "memory driver has no schema, nothing to do")
			return nil
		}
		if err := bootstrap.Migrate(cfg.Database); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s database at %s is up to date\n", cfg.Database.Driver, cfg.Database.DSN)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
