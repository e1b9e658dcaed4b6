package orchestrator

import (
	"context"

	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/stage"
)

// Builder produces a deployable artifact from a change. The returned
// artifact is only meaningful when the outcome status is ok. Building
// the same commit twice must yield the same fingerprint.
type Builder interface {
	Build(ctx context.Context, change run.ChangeRequest) (artifact.Artifact, stage.Outcome, error)
}

// Tester runs the test suite for an artifact in an environment.
type Tester interface {
	Test(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error)
}

// Planner computes the provisioning delta for an environment. It is
// optional: environments without a plan command skip the plan stage.
type Planner interface {
	Plan(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error)
}

// Deployer activates an artifact in an environment. Rollback reuses the
// same capability with the prior artifact.
type Deployer interface {
	Deploy(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error)
}

// Verifier smoke-checks an environment after a deploy.
type Verifier interface {
	Verify(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error)
}

// Notifier delivers pipeline events to humans. Delivery failures are
// logged and swallowed: notification is never load-bearing.
type Notifier interface {
	Notify(ctx context.Context, event, runID, environment, detail string)
}

// Collaborators bundles the external capabilities the orchestrator
// drives. All fields must be non-nil except Planner and Notifier.
type Collaborators struct {
	Builder  Builder
	Tester   Tester
	Planner  Planner
	Deployer Deployer
	Verifier Verifier
	Notifier Notifier
}

// notify forwards to the notifier if one is configured.
func (c Collaborators) notify(ctx context.Context, event, runID, environment, detail string) {
	if c.Notifier != nil {
		c.Notifier.Notify(ctx, event, runID, environment, detail)
	}
}
