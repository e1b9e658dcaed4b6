// Package orchestrator drives changes through the deployment pipeline:
// classify, build, then promote through each environment in order behind
// that environment's lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/internal/approval"
	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/classify"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/db"
	"github.com/conveyorci/conveyor/internal/environment"
	"github.com/conveyorci/conveyor/internal/envlock"
	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/rollback"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/stage"
)

// ErrInvalidChange marks a trigger that cannot become a run.
var ErrInvalidChange = errors.New("invalid change")

// errRunHalted signals that a run reached a terminal state mid-pipeline
// and was fully recorded. Internal flow control, never surfaced.
var errRunHalted = errors.New("run halted")

// Orchestrator composes the pipeline components and owns run execution.
type Orchestrator struct {
	cfg       *config.Orchestrator
	store     *run.Store
	artifacts *artifact.Registry
	envs      *environment.Registry
	locks     *envlock.Manager
	gate      *approval.Gate
	runner    *stage.Runner
	rb        *rollback.Controller
	db        *db.DB
	collab    Collaborators
	progress  io.Writer
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	dedup    map[string]string // ChangeRequest.DedupKey -> run ID
}

// NewOrchestrator creates an Orchestrator. The dedup index is rebuilt
// from the store so restarts preserve at-least-once trigger semantics.
func NewOrchestrator(
	cfg *config.Orchestrator,
	store *run.Store,
	artifacts *artifact.Registry,
	envs *environment.Registry,
	locks *envlock.Manager,
	gate *approval.Gate,
	database *db.DB,
	collab Collaborators,
) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		envs:      envs,
		locks:     locks,
		gate:      gate,
		db:        database,
		collab:    collab,
		now:       time.Now,
		inflight:  make(map[string]context.CancelFunc),
		dedup:     make(map[string]string),
	}
	o.runner = stage.NewRunner(stage.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelayDuration(),
		MaxDelay:    cfg.Retry.MaxDelayDuration(),
	}, attemptSink{db: database})
	o.rb = rollback.NewController(o.runner, artifacts, func(envName string, art artifact.Artifact) stage.Executor {
		return stage.ExecutorFunc(func(ctx context.Context) (stage.Outcome, error) {
			envCfg, err := envs.Get(envName)
			if err != nil {
				return stage.Outcome{}, err
			}
			return collab.Deployer.Deploy(ctx, envCfg, art)
		})
	})

	runs, err := store.List("")
	if err != nil {
		return nil, fmt.Errorf("rebuild dedup index: %w", err)
	}
	for _, r := range runs {
		o.dedup[r.Change.DedupKey()] = r.ID
	}
	return o, nil
}

// SetProgress sets a writer for live progress output.
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
	o.runner.SetProgress(w)
}

// Runner exposes the stage runner for test clock injection.
func (o *Orchestrator) Runner() *stage.Runner { return o.runner }

// SetNow overrides the clock (for testing).
func (o *Orchestrator) SetNow(fn func() time.Time) { o.now = fn }

func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, format+"\n", args...)
	}
}

// Trigger validates a change and creates a run for it. Retriggering a
// source_ref@commit already seen returns the existing run with created
// false; delivery of triggers is at-least-once and must stay idempotent.
func (o *Orchestrator) Trigger(change run.ChangeRequest) (*run.Run, bool, error) {
	if change.SourceRef == "" || change.Commit == "" {
		metrics.TriggersTotal.WithLabelValues("rejected").Inc()
		return nil, false, fmt.Errorf("%w: source_ref and commit are required", ErrInvalidChange)
	}
	if len(change.Diff) == 0 && !hasLabel(change.AuthorLabels, o.cfg.Classifier.OverrideLabel) {
		metrics.TriggersTotal.WithLabelValues("rejected").Inc()
		return nil, false, fmt.Errorf("%w: empty diff without override label", ErrInvalidChange)
	}

	key := change.DedupKey()
	o.mu.Lock()
	if existing, ok := o.dedup[key]; ok {
		o.mu.Unlock()
		r, err := o.store.Get(existing)
		if err != nil {
			return nil, false, fmt.Errorf("duplicate of run %s: %w", existing, err)
		}
		metrics.TriggersTotal.WithLabelValues("duplicate").Inc()
		return r, false, nil
	}
	r, err := o.store.Create(change)
	if err != nil {
		o.mu.Unlock()
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	o.dedup[key] = r.ID
	o.mu.Unlock()

	metrics.TriggersTotal.WithLabelValues("accepted").Inc()
	o.logEvent(r.ID, "triggered", "", "", key)
	o.logf("run %s triggered for %s", r.ID, key)
	return r, true, nil
}

// Cancel stops a run. In-flight runs are interrupted at the next safe
// point; queued runs are marked cancelled immediately. Terminal runs
// cannot be cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.inflight[runID]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	r, err := o.store.Get(runID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, r.State)
	}
	_, err = o.store.Update(runID, func(r *run.Run) {
		r.State = run.StateCancelled
		r.LastError = "cancelled before execution"
	})
	if err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(run.StateCancelled)).Inc()
	o.logEvent(runID, "cancelled", "", "", "before execution")
	return nil
}

// Execute drives one run through the full pipeline. It is safe to call
// again after a crash: persisted stage attempt counts carry over, so
// retry budgets survive restarts.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	r, err := o.store.Get(runID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.inflight[runID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight, runID)
		o.mu.Unlock()
	}()

	art, err := o.prepare(ctx, r)
	if err != nil {
		if errors.Is(err, errRunHalted) {
			return nil
		}
		return err
	}

	for _, env := range o.envs.PromotionOrder() {
		if err := o.promote(ctx, r, env, art); err != nil {
			if errors.Is(err, errRunHalted) {
				return nil
			}
			return err
		}
	}

	o.finish(ctx, r, run.StateCompleted, "", "")
	return nil
}

// prepare classifies the change and builds its artifact.
func (o *Orchestrator) prepare(ctx context.Context, r *run.Run) (artifact.Artifact, error) {
	o.setState(r, run.StateClassifying, "")
	cls, err := classify.Classify(classify.Change{
		SourceRef: r.Change.SourceRef,
		Commit:    r.Change.Commit,
		Diff:      r.Change.Diff,
		Labels:    r.Change.AuthorLabels,
	}, o.cfg.Classifier, o.now())
	if err != nil {
		return artifact.Artifact{}, o.failHalt(ctx, r, "classify", err.Error())
	}
	r.Classification = &cls
	o.save(r)
	o.logEvent(r.ID, "classified", "", "", fmt.Sprintf("%s risk=%d", cls.Category, cls.RiskScore))
	o.logf("run %s classified %s (risk %d)", r.ID, cls.Category, cls.RiskScore)

	o.setState(r, run.StateBuilding, "")
	var art artifact.Artifact
	se := o.ensureStage(r, "build", "")
	res := o.runner.Run(ctx, r.ID, se, stage.ExecutorFunc(func(ctx context.Context) (stage.Outcome, error) {
		a, out, err := o.collab.Builder.Build(ctx, r.Change)
		if err == nil && out.Status == stage.StatusOK {
			art = a
		}
		return out, err
	}))
	metrics.StageDuration.WithLabelValues("build").Observe(res.Duration.Seconds())
	o.save(r)
	if ctx.Err() != nil {
		return artifact.Artifact{}, o.cancelHalt(r)
	}
	if res.Failed() {
		return artifact.Artifact{}, o.failHalt(ctx, r, "build", res.Outcome.Detail)
	}

	if err := o.artifacts.Register(art); err != nil {
		return artifact.Artifact{}, o.failHalt(ctx, r, "build", err.Error())
	}
	r.ArtifactFingerprint = art.Fingerprint
	o.save(r)
	o.logEvent(r.ID, "built", "", "build", art.Fingerprint)
	return art, nil
}

// promote carries the artifact through one environment: lock, test,
// plan, approval, deploy, verify. The environment lock is held for the
// whole cycle so concurrent runs serialize per environment.
func (o *Orchestrator) promote(ctx context.Context, r *run.Run, env config.Environment, art artifact.Artifact) error {
	if o.envs.IsFrozen(env.Name) {
		o.logEvent(r.ID, "environment_frozen", env.Name, "", "")
		return o.failHalt(ctx, r, "", fmt.Sprintf("environment %s is frozen", env.Name))
	}

	o.setState(r, run.StateAwaitingLock, env.Name)
	waitStart := time.Now()
	lock, err := o.locks.Acquire(ctx, env.Name, r.ID)
	if err != nil {
		return o.cancelHalt(r)
	}
	metrics.LockWaitSeconds.WithLabelValues(env.Name).Observe(time.Since(waitStart).Seconds())
	o.logEvent(r.ID, "lock_acquired", env.Name, "", "")
	defer func() {
		if lock != nil {
			_ = o.locks.Release(lock)
		}
	}()

	// Re-check under the lock: a rollback failure may have frozen the
	// environment while this run was queued behind the holder.
	if o.envs.IsFrozen(env.Name) {
		o.logEvent(r.ID, "environment_frozen", env.Name, "", "")
		return o.failHalt(ctx, r, "", fmt.Sprintf("environment %s is frozen", env.Name))
	}

	o.setState(r, run.StateTesting, env.Name)
	testStage := "test-" + env.Name
	res := o.runEnvStage(ctx, r, testStage, env, art, o.collab.Tester.Test)
	if ctx.Err() != nil {
		return o.cancelHalt(r)
	}
	if res.Failed() {
		// Nothing deployed: a test failure never triggers a rollback.
		return o.failHalt(ctx, r, testStage, res.Outcome.Detail)
	}

	planStage := "plan-" + env.Name
	if o.collab.Planner != nil && env.Commands.Plan != "" {
		res = o.runEnvStage(ctx, r, planStage, env, art, o.collab.Planner.Plan)
		if ctx.Err() != nil {
			return o.cancelHalt(r)
		}
		if res.Failed() {
			return o.failHalt(ctx, r, planStage, res.Outcome.Detail)
		}
	}

	if r.Classification.Category == classify.CategoryNormal || env.RequiresApproval {
		if err := o.awaitApproval(ctx, r, env); err != nil {
			return err
		}
	}

	prior, _ := o.envs.CurrentFingerprint(env.Name)

	// Deploy and verify attempts are shielded from cancellation: an
	// in-flight attempt always runs to completion, and a cancel is
	// honored at the next stage boundary.
	o.setState(r, run.StateDeploying, env.Name)
	deployStage := "deploy-" + env.Name
	res = o.runEnvStage(ctx, r, deployStage, env, art, shielded(o.collab.Deployer.Deploy))
	if res.Failed() {
		return o.recover(ctx, r, env, deployStage, prior, res.Outcome.Detail)
	}
	if ctx.Err() != nil {
		return o.cancelHalt(r)
	}

	o.setState(r, run.StateVerifying, env.Name)
	verifyStage := "verify-" + env.Name
	res = o.runEnvStage(ctx, r, verifyStage, env, art, shielded(o.collab.Verifier.Verify))
	if res.Failed() {
		return o.recover(ctx, r, env, verifyStage, prior, res.Outcome.Detail)
	}

	if err := o.envs.SetCurrentFingerprint(env.Name, art.Fingerprint); err != nil {
		o.logf("record fingerprint for %s: %v", env.Name, err)
	}
	o.setState(r, run.StatePromoted, env.Name)
	o.logEvent(r.ID, "promoted", env.Name, "", art.Fingerprint)
	o.collab.notify(ctx, "promoted", r.ID, env.Name, art.Fingerprint)
	o.logf("run %s promoted to %s", r.ID, env.Name)
	return nil
}

// awaitApproval blocks until the environment's approval request settles.
// The environment lock stays held: an approved change deploys exactly
// what was tested, with no other run interleaving.
func (o *Orchestrator) awaitApproval(ctx context.Context, r *run.Run, env config.Environment) error {
	o.setState(r, run.StateAwaitingApproval, env.Name)
	now := o.now()
	req := o.gate.Request(r.ID, env.Name, now, now.Add(o.cfg.ApprovalTimeoutDuration()))
	ch := o.gate.Wait(req.ID)
	o.logApproval(req.ID, r.ID, env.Name, "requested", "")
	o.collab.notify(ctx, "approval_requested", r.ID, env.Name, req.ID)
	o.logf("run %s awaiting approval for %s (request %s)", r.ID, env.Name, req.ID)

	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	var decision approval.Decision
	select {
	case decision = <-ch:
	case <-timer.C:
		if expired, _ := o.gate.CheckExpired(req.ID, o.now()); expired {
			decision = approval.DecisionExpired
		} else {
			// Decided in the race window; the waiter channel holds it.
			decision = <-ch
		}
	case <-ctx.Done():
		_ = o.gate.Decide(req.ID, approval.DecisionRejected, "system", o.now())
		return o.cancelHalt(r)
	}

	settled, err := o.gate.Get(req.ID)
	decidedBy := ""
	if err == nil {
		decidedBy = settled.DecidedBy
	}
	o.logApproval(req.ID, r.ID, env.Name, string(decision), decidedBy)
	metrics.ApprovalDecisions.WithLabelValues(string(decision)).Inc()

	if decision != approval.DecisionApproved {
		// Rejection and expiry fail the run outright; nothing was
		// deployed for this environment, so no rollback.
		return o.failHalt(ctx, r, "approval-"+env.Name, fmt.Sprintf("approval %s", decision))
	}
	o.logEvent(r.ID, "approved", env.Name, "", decidedBy)
	return nil
}

// recover handles a failed deploy or verify: roll the environment back
// to its prior artifact, or freeze it when even that fails.
func (o *Orchestrator) recover(ctx context.Context, r *run.Run, env config.Environment, stageName, prior, detail string) error {
	o.logEvent(r.ID, "stage_failed", env.Name, stageName, detail)

	if prior == "" {
		// First ever deploy to this environment: nothing to roll back to.
		return o.failHalt(ctx, r, stageName, detail)
	}

	// The rollback must run even when the failure was a cancellation.
	rctx := context.WithoutCancel(ctx)
	se, rbErr := o.rb.Rollback(rctx, r.ID, env.Name, prior)
	r.StagePlan = append(r.StagePlan, *se)

	if rbErr != nil {
		metrics.Rollbacks.WithLabelValues("failed").Inc()
		_ = o.envs.Freeze(env.Name, fmt.Sprintf("rollback to %s failed during run %s", prior, r.ID))
		o.logEvent(r.ID, "rollback_failed", env.Name, se.Name, rbErr.Error())
		o.finish(rctx, r, run.StateRollbackFailed, stageName, rbErr.Error())
		return errRunHalted
	}

	metrics.Rollbacks.WithLabelValues("succeeded").Inc()
	o.logEvent(r.ID, "rolled_back", env.Name, se.Name, prior)
	o.finish(rctx, r, run.StateRolledBack, stageName, detail)
	return errRunHalted
}

// --- Helpers ---

func (o *Orchestrator) runEnvStage(ctx context.Context, r *run.Run, name string, env config.Environment, art artifact.Artifact, fn func(context.Context, config.Environment, artifact.Artifact) (stage.Outcome, error)) *stage.Result {
	se := o.ensureStage(r, name, env.Name)
	res := o.runner.Run(ctx, r.ID, se, stage.ExecutorFunc(func(ctx context.Context) (stage.Outcome, error) {
		return fn(ctx, env, art)
	}))
	metrics.StageDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	o.save(r)
	return res
}

// shielded detaches a stage function from run cancellation so the
// attempt itself is never hard-killed. The runner still sees the
// original context and stops retrying once it is cancelled.
func shielded(fn func(context.Context, config.Environment, artifact.Artifact) (stage.Outcome, error)) func(context.Context, config.Environment, artifact.Artifact) (stage.Outcome, error) {
	return func(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
		return fn(context.WithoutCancel(ctx), env, art)
	}
}

func (o *Orchestrator) ensureStage(r *run.Run, name, env string) *run.StageExecution {
	if se := r.Stage(name); se != nil {
		return se
	}
	r.StagePlan = append(r.StagePlan, run.StageExecution{
		Name:        name,
		Environment: env,
		State:       run.StagePending,
		MaxAttempts: o.cfg.Retry.MaxAttempts,
	})
	return &r.StagePlan[len(r.StagePlan)-1]
}

func (o *Orchestrator) setState(r *run.Run, s run.State, env string) {
	r.State = s
	r.CurrentEnvironment = env
	o.save(r)
}

// finish records a terminal state with its counter, event, and
// notification.
func (o *Orchestrator) finish(ctx context.Context, r *run.Run, s run.State, failedStage, lastErr string) {
	r.State = s
	r.FailedStage = failedStage
	r.LastError = lastErr
	o.save(r)
	metrics.RunsFinished.WithLabelValues(string(s)).Inc()
	o.logEvent(r.ID, string(s), r.CurrentEnvironment, failedStage, lastErr)
	o.collab.notify(ctx, string(s), r.ID, r.CurrentEnvironment, lastErr)
	o.logf("run %s finished: %s", r.ID, s)
}

func (o *Orchestrator) failHalt(ctx context.Context, r *run.Run, failedStage, detail string) error {
	o.finish(ctx, r, run.StateFailed, failedStage, detail)
	return errRunHalted
}

func (o *Orchestrator) cancelHalt(r *run.Run) error {
	o.finish(context.Background(), r, run.StateCancelled, "", "cancelled")
	return errRunHalted
}

// save persists the in-memory run and pulls back the store's timestamps.
func (o *Orchestrator) save(r *run.Run) {
	updated, err := o.store.Update(r.ID, func(p *run.Run) {
		snapshot := *r
		snapshot.UpdatedAt = p.UpdatedAt
		snapshot.FinishedAt = p.FinishedAt
		*p = snapshot
	})
	if err != nil {
		o.logf("persist run %s: %v", r.ID, err)
		return
	}
	r.UpdatedAt = updated.UpdatedAt
	r.FinishedAt = updated.FinishedAt
}

// logEvent appends to the audit trail; the database is optional.
func (o *Orchestrator) logEvent(runID, event, environment, stageName, detail string) {
	if o.db != nil {
		_ = o.db.LogRunEvent(runID, event, environment, stageName, detail)
	}
}

func (o *Orchestrator) logApproval(requestID, runID, environment, decision, decidedBy string) {
	if o.db != nil {
		_ = o.db.LogApprovalEvent(requestID, runID, environment, decision, decidedBy)
	}
}

func hasLabel(labels []string, want string) bool {
	if want == "" {
		return false
	}
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// attemptSink forwards stage attempts to the audit database and the
// attempt counter.
type attemptSink struct {
	db *db.DB
}

func (s attemptSink) LogStageAttempt(runID, stageName, environment string, attempt int, outcome string, durationMs int64, detail string) error {
	metrics.StageAttempts.WithLabelValues(stageName, outcome).Inc()
	if s.db != nil {
		return s.db.LogStageAttempt(runID, stageName, environment, attempt, outcome, durationMs, detail)
	}
	return nil
}
