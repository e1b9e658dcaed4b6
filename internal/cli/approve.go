package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/approval"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approval requests, pending first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Approvals []approval.Request `json:"approvals"`
		}
		if err := getJSON(serverURL(cmd, "/v1/approvals"), &resp); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(resp.Approvals, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(resp.Approvals) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No approval requests.")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-38s %-12s %-10s %s\n", "REQUEST", "RUN", "ENV", "DECISION", "DEADLINE")
		for _, r := range resp.Approvals {
			fmt.Fprintf(w, "%-38s %-38s %-12s %-10s %s\n",
				r.ID, r.RunID, r.Environment, r.Decision, r.Deadline.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve or reject a pending deployment",
	Long: `Settle a pending approval request. The first decision wins: once a
request is approved, rejected, or expired it cannot be changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decidedBy, _ := cmd.Flags().GetString("by")
		if decidedBy == "" {
			decidedBy = os.Getenv("USER")
		}
		if decidedBy == "" {
			return fmt.Errorf("--by is required when $USER is unset")
		}

		decision := "approved"
		if reject, _ := cmd.Flags().GetBool("reject"); reject {
			decision = "rejected"
		}

		var settled approval.Request
		err := postJSON(serverURL(cmd, "/v1/approvals/"+args[0]+"/decision"), map[string]string{
			"decision":   decision,
			"decided_by": decidedBy,
		}, &settled)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request %s %s by %s (run %s, %s)\n",
			settled.ID, settled.Decision, settled.DecidedBy, settled.RunID, settled.Environment)
		return nil
	},
}

func init() {
	approvalsCmd.Flags().String("format", "text", "Output format: text or json")
	approveCmd.Flags().String("by", "", "Who is deciding (defaults to $USER)")
	approveCmd.Flags().Bool("reject", false, "Reject instead of approve")
}
