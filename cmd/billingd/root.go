package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "billingd",
	Short: "Recurring billing daemon with payment retries and dunning",
	Long: `billingd runs the recurring billing core of a subscription business.

It renews subscriptions, retries failed payments on a fixed schedule,
escalates dunning emails, warns users before renewal and meters usage.

Quick start:
  billingd migrate   # Create or upgrade the database schema
  billingd serve     # Start cron, the job dispatcher and the ops server

Operations:
  billingd run retries   # Run one batch job and print the result
  billingd validate      # Validate configuration`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "billingd.yaml", "config file path")
}
