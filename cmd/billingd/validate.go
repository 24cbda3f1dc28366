package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/artpar/billingd/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the billingd configuration file.

Checks:
  - YAML syntax is valid
  - Required provider settings are present
  - Plans are well formed and unique
  - Cron schedules name known jobs

Examples:
  billingd validate
  billingd validate --config /etc/billingd/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Payment provider: %s\n", checkMark, cfg.Payment.Provider)
	fmt.Fprintf(out, "  %s Email provider: %s\n", checkMark, cfg.Email.Provider)
	fmt.Fprintf(out, "  %s Scheduler: %s\n", checkMark, cfg.Scheduler.Driver)
	fmt.Fprintf(out, "  %s Plans configured: %d\n", checkMark, len(cfg.Plans))

	if cfg.Cron.Enabled {
		jobs := make([]string, 0, len(cfg.Cron.Schedules))
		for name := range cfg.Cron.Schedules {
			jobs = append(jobs, name)
		}
		sort.Strings(jobs)
		for _, name := range jobs {
			spec := cfg.Cron.Schedules[name]
			if spec == "" {
				spec = "disabled"
			}
			fmt.Fprintf(out, "  %s Cron %s: %s\n", checkMark, name, spec)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
