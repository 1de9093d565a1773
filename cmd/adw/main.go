package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "adw",
		Short: "ADW Orchestrator - AI developer workflows for GitHub issues",
		Long: `ADW Orchestrator runs plan, build and test phases for GitHub issues
through an external coding agent, tracks every run and phase attempt in
SQLite, and reports progress back to the issue.`,
		SilenceUsage: true,
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
