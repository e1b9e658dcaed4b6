package run

import (
	"time"

	"github.com/conveyorci/conveyor/internal/classify"
)

// State is the overall state of a pipeline run. Environment-scoped states
// carry the environment name in Run.CurrentEnvironment.
type State string

const (
	StateQueued           State = "queued"
	StateClassifying      State = "classifying"
	StateBuilding         State = "building"
	StateAwaitingLock     State = "awaiting_lock"
	StateTesting          State = "testing"
	StateAwaitingApproval State = "awaiting_approval"
	StateDeploying        State = "deploying"
	StateVerifying        State = "verifying"
	StatePromoted         State = "promoted"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRolledBack       State = "rolled_back"
	StateRollbackFailed   State = "rollback_failed"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateRollbackFailed, StateCancelled:
		return true
	}
	return false
}

// StageState is the state of one stage execution.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// ChangeRequest identifies the proposed change a run was triggered for.
// Immutable after creation.
type ChangeRequest struct {
	ID           string               `json:"id"`
	SourceRef    string               `json:"source_ref"`
	Commit       string               `json:"commit"`
	Diff         []classify.FileDelta `json:"diff"`
	AuthorLabels []string             `json:"author_labels,omitempty"`
	SubmittedAt  time.Time            `json:"submitted_at"`
}

// DedupKey is the at-least-once delivery key for a change.
func (c ChangeRequest) DedupKey() string {
	return c.SourceRef + "@" + c.Commit
}

// StageError is the structured last error of a stage execution.
type StageError struct {
	Kind    string `json:"kind"` // "retryable", "non_retryable", "approval", "rollback_failed"
	Message string `json:"message"`
}

// AttemptRecord is one entry in a stage's append-only attempt log.
type AttemptRecord struct {
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"` // "ok", "retryable", "non_retryable"
	DurationMs int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// StageExecution is one stage within a run's plan. Mutated only by the
// stage runner while that stage holds its execution slot.
type StageExecution struct {
	Name         string          `json:"name"`
	Environment  string          `json:"environment,omitempty"` // empty = environment-agnostic
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	State        StageState      `json:"state"`
	LastError    *StageError     `json:"last_error,omitempty"`
	Attempts     []AttemptRecord `json:"attempts,omitempty"`
}

// Run is the persisted state of one pipeline execution for one change.
type Run struct {
	ID                  string                   `json:"id"`
	Change              ChangeRequest            `json:"change"`
	Classification      *classify.Classification `json:"classification,omitempty"`
	ArtifactFingerprint string                   `json:"artifact_fingerprint,omitempty"`
	StagePlan           []StageExecution         `json:"stage_plan"`
	State               State                    `json:"state"`
	CurrentEnvironment  string                   `json:"current_environment,omitempty"`
	FailedStage         string                   `json:"failed_stage,omitempty"`
	LastError           string                   `json:"last_error,omitempty"`
	StartedAt           string                   `json:"started_at"`
	FinishedAt          string                   `json:"finished_at,omitempty"`
	UpdatedAt           string                   `json:"updated_at"`
}

// Stage returns a pointer into the plan for the named stage, or nil.
func (r *Run) Stage(name string) *StageExecution {
	for i := range r.StagePlan {
		if r.StagePlan[i].Name == name {
			return &r.StagePlan[i]
		}
	}
	return nil
}
