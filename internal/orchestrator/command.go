package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/stage"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string, extraEnv []string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, command string, extraEnv []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CommandCollaborators implements every collaborator by running the
// operator-configured shell commands. Exit code 0 is success, a
// configured retryable code is a transient failure, anything else is
// permanent. A timeout counts as transient.
type CommandCollaborators struct {
	cfg *config.Orchestrator
	cmd CommandRunner
}

// NewCommandCollaborators builds command-backed collaborators from
// configuration.
func NewCommandCollaborators(cfg *config.Orchestrator, cmd CommandRunner) *CommandCollaborators {
	if cmd == nil {
		cmd = &ExecRunner{}
	}
	return &CommandCollaborators{cfg: cfg, cmd: cmd}
}

// Build runs the build command. The command prints the artifact
// fingerprint on its last stdout line, optionally followed by a storage
// location: "<fingerprint> [location]".
func (c *CommandCollaborators) Build(ctx context.Context, change run.ChangeRequest) (artifact.Artifact, stage.Outcome, error) {
	env := []string{
		"CONVEYOR_RUN_ID=" + change.ID,
		"CONVEYOR_SOURCE_REF=" + change.SourceRef,
		"CONVEYOR_COMMIT=" + change.Commit,
	}
	stdout, out := c.runClassified(ctx, c.cfg.Build.Command, c.cfg.Build.TimeoutDuration(10*time.Minute), c.cfg.Build.RetryableExitCodes, env)
	if out.Status != stage.StatusOK {
		return artifact.Artifact{}, out, nil
	}

	fp, loc := parseBuildOutput(stdout)
	if fp == "" {
		return artifact.Artifact{}, stage.Outcome{
			Status: stage.StatusNonRetryable,
			Detail: "build command produced no fingerprint",
		}, nil
	}
	return artifact.Artifact{
		Fingerprint:     fp,
		StorageLocation: loc,
		SourceChangeID:  change.ID,
		BuiltAt:         time.Now().UTC(),
	}, out, nil
}

func (c *CommandCollaborators) Test(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return c.envStage(ctx, env, art, env.Commands.Test), nil
}

func (c *CommandCollaborators) Plan(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return c.envStage(ctx, env, art, env.Commands.Plan), nil
}

func (c *CommandCollaborators) Deploy(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return c.envStage(ctx, env, art, env.Commands.Deploy), nil
}

func (c *CommandCollaborators) Verify(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return c.envStage(ctx, env, art, env.Commands.Verify), nil
}

// Notify runs the notify command with the event in the environment.
// Best-effort: errors and exit codes are ignored.
func (c *CommandCollaborators) Notify(ctx context.Context, event, runID, environment, detail string) {
	if c.cfg.NotifyCommand == "" {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, _, _, _ = c.cmd.Run(nctx, c.cfg.NotifyCommand, []string{
		"CONVEYOR_EVENT=" + event,
		"CONVEYOR_RUN_ID=" + runID,
		"CONVEYOR_ENVIRONMENT=" + environment,
		"CONVEYOR_DETAIL=" + detail,
	})
}

func (c *CommandCollaborators) envStage(ctx context.Context, env config.Environment, art artifact.Artifact, command string) stage.Outcome {
	extra := []string{
		"CONVEYOR_ENVIRONMENT=" + env.Name,
		"CONVEYOR_FINGERPRINT=" + art.Fingerprint,
		"CONVEYOR_ARTIFACT=" + art.StorageLocation,
	}
	codes := env.RetryableExitCodes
	_, out := c.runClassified(ctx, command, env.TimeoutDuration(15*time.Minute), codes, extra)
	return out
}

// runClassified executes one command and maps its exit code to a stage
// outcome.
func (c *CommandCollaborators) runClassified(ctx context.Context, command string, timeout time.Duration, retryableCodes []int, extraEnv []string) (string, stage.Outcome) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := c.cmd.Run(cctx, command, extraEnv)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return stdout, stage.Outcome{Status: stage.StatusRetryable, Detail: fmt.Sprintf("timeout after %s", timeout)}
		}
		return stdout, stage.Outcome{Status: stage.StatusNonRetryable, Detail: err.Error()}
	}
	if exitCode == 0 {
		return stdout, stage.Outcome{Status: stage.StatusOK}
	}

	detail := fmt.Sprintf("exit %d: %s", exitCode, tail(stderr))
	for _, code := range retryableCodes {
		if exitCode == code {
			return stdout, stage.Outcome{Status: stage.StatusRetryable, Detail: detail}
		}
	}
	return stdout, stage.Outcome{Status: stage.StatusNonRetryable, Detail: detail}
}

// parseBuildOutput reads the last non-empty stdout line as
// "<fingerprint> [storage-location]".
func parseBuildOutput(stdout string) (fingerprint, location string) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "", ""
	}
	fields := strings.Fields(last)
	fingerprint = fields[0]
	if len(fields) > 1 {
		location = fields[1]
	}
	return fingerprint, location
}

// tail returns the last line of s, for compact error details.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
