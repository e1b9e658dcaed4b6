package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Audit database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDefaultDB()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database schema is up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the audit tables (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("yes")
		if !confirm {
			return fmt.Errorf("refusing to reset without --yes")
		}
		database, err := openDefaultDB()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "database reset")
		return nil
	},
}

func openDefaultDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	return db.Open(path)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
