package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	resetHelpFlags(rootCmd)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetHelpFlags clears --help state left behind by earlier Execute calls;
// the shared rootCmd would otherwise keep printing help instead of running.
func resetHelpFlags(c *cobra.Command) {
	if f := c.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range c.Commands() {
		resetHelpFlags(sub)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"serve", "trigger", "runs", "status", "cancel",
		"approvals", "approve", "env", "db", "config", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestEnvSubcommands(t *testing.T) {
	subcmds := []string{"list", "unfreeze"}
	for _, sub := range subcmds {
		out, err := executeCommand("env", sub, "--help")
		if err != nil {
			t.Errorf("env %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("env %s --help produced no output", sub)
		}
	}
}

func TestDBSubcommands(t *testing.T) {
	subcmds := []string{"migrate", "reset"}
	for _, sub := range subcmds {
		out, err := executeCommand("db", sub, "--help")
		if err != nil {
			t.Errorf("db %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("db %s --help produced no output", sub)
		}
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	_, err := executeCommand("db", "reset")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("db reset without --yes should refuse, got err=%v", err)
	}
}

func TestTriggerRequiresRefAndCommit(t *testing.T) {
	_, err := executeCommand("trigger")
	if err == nil {
		t.Error("trigger without --ref/--commit should fail")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}
