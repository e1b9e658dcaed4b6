// Package rollback reverts an environment to its last-known-good
// artifact after a failed promotion.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/stage"
)

// ErrRollbackFailed marks a failed rollback deploy. The system never
// rolls back a rollback: this halts automation on the environment until
// an operator clears it.
var ErrRollbackFailed = errors.New("rollback failed")

// DeployFactory builds the executor that redeploys an artifact to an
// environment. It is the same deploy capability the orchestrator uses
// for forward deploys.
type DeployFactory func(env string, art artifact.Artifact) stage.Executor

// Controller drives rollbacks through the ordinary stage runner.
type Controller struct {
	runner   *stage.Runner
	registry *artifact.Registry
	deploy   DeployFactory
}

// NewController creates a Controller.
func NewController(runner *stage.Runner, registry *artifact.Registry, deploy DeployFactory) *Controller {
	return &Controller{runner: runner, registry: registry, deploy: deploy}
}

// Rollback redeploys toFingerprint on env as a "rollback-<env>" stage.
// The returned StageExecution carries the attempt log either way; on
// failure the error wraps ErrRollbackFailed.
func (c *Controller) Rollback(ctx context.Context, runID, env, toFingerprint string) (*run.StageExecution, error) {
	se := &run.StageExecution{
		Name:        "rollback-" + env,
		Environment: env,
		State:       run.StagePending,
	}

	art, err := c.registry.Lookup(toFingerprint)
	if err != nil {
		se.State = run.StageFailed
		se.LastError = &run.StageError{Kind: "rollback_failed", Message: err.Error()}
		return se, fmt.Errorf("%w: last-known-good artifact %s: %v", ErrRollbackFailed, toFingerprint, err)
	}

	res := c.runner.Run(ctx, runID, se, c.deploy(env, art))
	if res.Failed() {
		return se, fmt.Errorf("%w: redeploy of %s to %s: %s", ErrRollbackFailed, toFingerprint, env, res.Outcome.Detail)
	}
	return se, nil
}
