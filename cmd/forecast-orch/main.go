package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "forecast-orch",
		Short: "Forecast Orchestrator - Daily ad-server forecast runs",
		Long: `Forecast Orchestrator drives daily availability and delivery forecast runs.
It fans availability requests for eligible line items out to a bounded worker
pool, groups contending line items into delivery batches, and exports the
collected forecast responses.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
