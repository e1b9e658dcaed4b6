package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/run"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFilter, _ := cmd.Flags().GetString("state")

		var resp struct {
			Runs []run.Run `json:"runs"`
		}
		url := "/v1/runs"
		if stateFilter != "" {
			url += "?state=" + stateFilter
		}
		if err := getJSON(serverURL(cmd, url), &resp); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(resp.Runs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(resp.Runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-18s %-12s %-24s %s\n", "RUN", "STATE", "ENV", "CHANGE", "UPDATED")
		for _, r := range resp.Runs {
			change := r.Change.SourceRef + "@" + short(r.Change.Commit)
			fmt.Fprintf(w, "%-38s %-18s %-12s %-24s %s\n", r.ID, r.State, r.CurrentEnvironment, change, r.UpdatedAt)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run with its stages and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail struct {
			run.Run
			Events []struct {
				Event       string `json:"event"`
				Environment string `json:"environment"`
				Stage       string `json:"stage"`
				Detail      string `json:"detail"`
				Timestamp   string `json:"timestamp"`
			} `json:"events"`
		}
		if err := getJSON(serverURL(cmd, "/v1/runs/"+args[0]), &detail); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(detail, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run:     %s\n", detail.ID)
		fmt.Fprintf(w, "Change:  %s@%s\n", detail.Change.SourceRef, short(detail.Change.Commit))
		fmt.Fprintf(w, "State:   %s\n", detail.State)
		if detail.Classification != nil {
			fmt.Fprintf(w, "Class:   %s (risk %d)\n", detail.Classification.Category, detail.Classification.RiskScore)
		}
		if detail.ArtifactFingerprint != "" {
			fmt.Fprintf(w, "Artifact: %s\n", detail.ArtifactFingerprint)
		}
		if detail.LastError != "" {
			fmt.Fprintf(w, "Error:   %s (stage %s)\n", detail.LastError, detail.FailedStage)
		}

		if len(detail.StagePlan) > 0 {
			fmt.Fprintln(w, "\nStages:")
			for _, se := range detail.StagePlan {
				line := fmt.Sprintf("  %-20s %-10s attempts %d/%d", se.Name, se.State, se.AttemptCount, se.MaxAttempts)
				if se.LastError != nil {
					line += "  " + se.LastError.Message
				}
				fmt.Fprintln(w, line)
			}
		}
		if len(detail.Events) > 0 {
			fmt.Fprintln(w, "\nHistory:")
			for _, e := range detail.Events {
				parts := []string{e.Event}
				if e.Environment != "" {
					parts = append(parts, e.Environment)
				}
				if e.Detail != "" {
					parts = append(parts, e.Detail)
				}
				fmt.Fprintf(w, "  %-22s %s\n", e.Timestamp, strings.Join(parts, " "))
			}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or in-flight run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON(serverURL(cmd, "/v1/runs/"+args[0]+"/cancel"), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
		return nil
	},
}

func short(commit string) string {
	if len(commit) > 10 {
		return commit[:10]
	}
	return commit
}

func init() {
	runsCmd.Flags().String("state", "", "Filter by run state")
	runsCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
