package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/billingd/bootstrap"
	"github.com/artpar/billingd/config"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one batch job and print its result as JSON",
	Long: `Run a single billing batch job once and exit.

Use this when an external scheduler (Kubernetes CronJob, systemd timer)
drives billingd instead of the in-process cron.

Jobs:
  retries         process due payment retries     (process_retries)
  dunning         send due dunning emails         (check_dunning)
  expiry          send renewal warnings           (check_expiry_warnings)
  renewals        mark missed renewals overdue    (process_renewals)
  jobs            dispatch deferred jobs          (dispatch_jobs)
  cancellations   finalize ended cancellations    (finalize_cancellations)
  scheduled       apply due resumes, plan changes (apply_scheduled_changes)

Examples:
  billingd run retries
  billingd run check_dunning --config /etc/billingd/config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg.Cron.Enabled = false

	// Logs go to stderr so stdout carries only the result.
	app, err := bootstrap.New(cmd.Context(), cfg, bootstrap.Options{
		Version:   version,
		LogOutput: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}
	defer app.Shutdown()

	result, err := app.Cron.Run(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%s: %d of %d items failed", result.Job, result.Failed, result.Processed)
	}
	return nil
}
