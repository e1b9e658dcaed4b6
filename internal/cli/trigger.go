package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/classify"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Submit a change to the pipeline",
	Long: `Submit a change for deployment. The diff summary is a JSON array of
{"path", "added", "deleted"} entries, read from --diff (use "-" for
stdin). An empty diff is accepted only with the operational override
label.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, _ := cmd.Flags().GetString("ref")
		commit, _ := cmd.Flags().GetString("commit")
		labels, _ := cmd.Flags().GetStringArray("label")
		diffPath, _ := cmd.Flags().GetString("diff")

		var diff []classify.FileDelta
		if diffPath != "" {
			data, err := readDiff(diffPath)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &diff); err != nil {
				return fmt.Errorf("parse diff summary: %w", err)
			}
		}

		body := map[string]any{
			"source_ref": ref,
			"commit":     commit,
			"diff":       diff,
			"labels":     labels,
		}
		var resp struct {
			RunID   string `json:"run_id"`
			Created bool   `json:"created"`
			State   string `json:"state"`
		}
		if err := postJSON(serverURL(cmd, "/v1/triggers"), body, &resp); err != nil {
			return err
		}

		if resp.Created {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s created (%s)\n", resp.RunID, resp.State)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "change already known: run %s (%s)\n", resp.RunID, resp.State)
		}
		return nil
	},
}

func readDiff(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func init() {
	triggerCmd.Flags().String("ref", "", "Source ref of the change (required)")
	triggerCmd.Flags().String("commit", "", "Commit hash of the change (required)")
	triggerCmd.Flags().StringArray("label", nil, "Author label (repeatable)")
	triggerCmd.Flags().String("diff", "", "Path to a JSON diff summary, or - for stdin")
	_ = triggerCmd.MarkFlagRequired("ref")
	_ = triggerCmd.MarkFlagRequired("commit")
}
