// Package stage executes one pipeline stage at a time: it sequences
// attempts against an executor capability and applies the retry policy.
// It does not know what a stage does.
package stage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/conveyorci/conveyor/internal/run"
)

// Status classifies one executor attempt.
type Status string

const (
	StatusOK           Status = "ok"
	StatusRetryable    Status = "retryable"
	StatusNonRetryable Status = "non_retryable"
)

// Outcome is what an executor reports for one attempt.
type Outcome struct {
	Status Status
	Detail string
}

// Executor is the capability that performs a stage's real work — test
// harness, provisioner, deploy mechanism. A non-nil error means the
// executor itself broke and is treated as non-retryable.
type Executor interface {
	Execute(ctx context.Context) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context) (Outcome, error) { return f(ctx) }

// RetryPolicy bounds attempts and spaces them with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay after the given failed attempt (1-based):
// BaseDelay doubled per prior attempt, capped at MaxDelay. Pure, so
// tests never need wall-clock sleeps.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// AttemptSink receives every attempt transition for the append-only
// execution log.
type AttemptSink interface {
	LogStageAttempt(runID, stage, environment string, attempt int, outcome string, durationMs int64, detail string) error
}

// Result captures the outcome of running a stage to completion.
type Result struct {
	State    run.StageState
	Attempts int
	Outcome  Outcome
	Duration time.Duration
}

// Failed reports whether the stage ended in failure.
func (r *Result) Failed() bool { return r.State != run.StageSucceeded }

// Runner drives stage executions.
type Runner struct {
	policy   RetryPolicy
	sink     AttemptSink // nil = no external log
	sleep    func(time.Duration)
	progress io.Writer // nil = silent
}

// NewRunner creates a Runner with the given retry policy.
func NewRunner(policy RetryPolicy, sink AttemptSink) *Runner {
	return &Runner{policy: policy, sink: sink, sleep: time.Sleep}
}

// SetSleep overrides the backoff sleep (for testing).
func (r *Runner) SetSleep(fn func(time.Duration)) { r.sleep = fn }

// SetProgress sets a writer for live progress output.
func (r *Runner) SetProgress(w io.Writer) { r.progress = w }

func (r *Runner) logf(format string, args ...any) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// Run executes se against ex, retrying transient failures up to
// se.MaxAttempts. It mutates se in place: state, attempt count, and the
// append-only attempt log. The caller owns se's execution slot.
func (r *Runner) Run(ctx context.Context, runID string, se *run.StageExecution, ex Executor) *Result {
	start := time.Now()
	if se.State == run.StageSucceeded {
		// A replay after a restart skips stages that already ran to
		// completion; their attempt budget stays consumed as-is.
		return &Result{
			State:    run.StageSucceeded,
			Outcome:  Outcome{Status: StatusOK},
			Attempts: se.AttemptCount,
			Duration: time.Since(start),
		}
	}
	maxAttempts := se.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.policy.MaxAttempts
		se.MaxAttempts = maxAttempts
	}

	se.State = run.StageRunning
	result := &Result{}

	for attempt := se.AttemptCount + 1; attempt <= maxAttempts; attempt++ {
		se.AttemptCount = attempt
		result.Attempts = attempt
		r.logf("stage %s attempt %d/%d", se.Name, attempt, maxAttempts)

		attemptStart := time.Now()
		out, err := ex.Execute(ctx)
		if err != nil {
			out = Outcome{Status: StatusNonRetryable, Detail: err.Error()}
		}
		elapsed := time.Since(attemptStart)
		r.record(runID, se, attempt, out, elapsed)

		switch out.Status {
		case StatusOK:
			se.State = run.StageSucceeded
			se.LastError = nil
			result.State = run.StageSucceeded
			result.Outcome = out
			result.Duration = time.Since(start)
			return result
		case StatusRetryable:
			se.LastError = &run.StageError{Kind: "retryable", Message: out.Detail}
			result.Outcome = out
			if attempt < maxAttempts {
				delay := r.policy.Backoff(attempt)
				r.logf("stage %s attempt %d failed (%s), retrying in %s", se.Name, attempt, out.Detail, delay)
				r.sleep(delay)
				if ctx.Err() != nil {
					se.State = run.StageFailed
					se.LastError = &run.StageError{Kind: "retryable", Message: ctx.Err().Error()}
					result.State = run.StageFailed
					result.Duration = time.Since(start)
					return result
				}
			}
		default:
			se.State = run.StageFailed
			se.LastError = &run.StageError{Kind: "non_retryable", Message: out.Detail}
			result.State = run.StageFailed
			result.Outcome = out
			result.Duration = time.Since(start)
			r.logf("stage %s failed: %s", se.Name, out.Detail)
			return result
		}
	}

	// Retries exhausted on a retryable failure.
	se.State = run.StageFailed
	result.State = run.StageFailed
	result.Duration = time.Since(start)
	r.logf("stage %s exhausted %d attempts", se.Name, maxAttempts)
	return result
}

// record appends to the stage's attempt log and forwards to the sink.
// The log is append-only and never rewritten.
func (r *Runner) record(runID string, se *run.StageExecution, attempt int, out Outcome, elapsed time.Duration) {
	rec := run.AttemptRecord{
		Attempt:    attempt,
		Outcome:    string(out.Status),
		DurationMs: elapsed.Milliseconds(),
		Detail:     out.Detail,
	}
	se.Attempts = append(se.Attempts, rec)
	if r.sink != nil {
		_ = r.sink.LogStageAttempt(runID, se.Name, se.Environment, attempt, string(out.Status), rec.DurationMs, out.Detail)
	}
}
