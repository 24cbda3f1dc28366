package main

import (
	"fmt"
	"os"

	"github.com/artpar/billingd/bootstrap"
	"github.com/artpar/billingd/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
	noCron    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the billing daemon",
	Long: `Start billingd.

The daemon will:
  - Load configuration from billingd.yaml (or --config), with BILLINGD_*
    environment overrides
  - Connect to the database and sync the configured plans
  - Schedule the batch jobs (retries, dunning, expiry warnings, renewals,
    deferred jobs, cancellations) on the in-process cron
  - Serve /healthz, /readyz, /metrics and the /admin endpoints

Examples:
  billingd serve
  billingd serve --config /etc/billingd/config.yaml
  billingd serve --no-cron   # when an external scheduler calls 'billingd run'`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload plans and log level when the config file changes")
	serveCmd.Flags().BoolVar(&noCron, "no-cron", false, "do not schedule batch jobs in-process")
}

func runServe(cmd *cobra.Command, args []string) error {
	var (
		cfg    *config.Config
		holder *config.Holder
		err    error
	)

	_, statErr := os.Stat(cfgFile)
	hasConfigFile := statErr == nil

	if hasConfigFile && hotReload {
		holder, err = config.NewHolder(cfgFile, zerolog.New(os.Stderr).With().Timestamp().Str("component", "config").Logger())
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg = holder.Get()
	} else {
		cfg, err = config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if !hasConfigFile {
			fmt.Fprintln(os.Stderr, "Running with environment variables (no config file)")
		}
	}

	if noCron {
		cfg.Cron.Enabled = false
	}

	app, err := bootstrap.New(cmd.Context(), cfg, bootstrap.Options{
		Version: version,
		Holder:  holder,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run(cmd.Context())
}
