package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor — a deployment pipeline orchestrator",
	Long: `conveyor promotes build artifacts through a fixed chain of environments
with classification, test and approval gates, per-environment locking,
and automatic rollback to the last known-good artifact.

State lives in ~/.conveyor/ (JSON run records, SQLite audit trail).
Commands that act on a live pipeline talk to a running "conveyor serve".`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8712", "Address of the conveyor server")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}
