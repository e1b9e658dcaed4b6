package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/environment"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect and manage deployment environments",
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments with their current artifact and freeze state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Environments []environment.Info `json:"environments"`
		}
		if err := getJSON(serverURL(cmd, "/v1/environments"), &resp); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(resp.Environments, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-12s %-6s %-10s %-24s %s\n", "ENV", "ORDER", "APPROVAL", "CURRENT", "STATE")
		for _, e := range resp.Environments {
			state := "ok"
			if e.Frozen {
				state = "FROZEN: " + e.FrozenReason
			}
			approvalMark := "-"
			if e.RequiresApproval {
				approvalMark = "required"
			}
			current := e.CurrentFingerprint
			if current == "" {
				current = "(none)"
			}
			fmt.Fprintf(w, "%-12s %-6d %-10s %-24s %s\n", e.Status.Name, e.PromotionOrder, approvalMark, current, state)
		}
		return nil
	},
}

var envUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze <name>",
	Short: "Re-enable automation on a frozen environment",
	Long: `Clear the freeze set when a rollback failed. Only do this after the
environment has been manually repaired.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON(serverURL(cmd, "/v1/environments/"+args[0]+"/unfreeze"), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "environment %s unfrozen\n", args[0])
		return nil
	},
}

func init() {
	envListCmd.Flags().String("format", "text", "Output format: text or json")
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envUnfreezeCmd)
}
