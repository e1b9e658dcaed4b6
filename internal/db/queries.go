package db

import (
	"database/sql"
	"fmt"
)

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID          int
	RunID       string
	Event       string
	Environment string
	Stage       string
	Detail      string
	Timestamp   string
}

// StageAttempt represents a row in the stage_attempts table.
type StageAttempt struct {
	ID          int
	RunID       string
	Stage       string
	Environment string
	Attempt     int
	Outcome     string
	DurationMs  int64
	Detail      string
	Timestamp   string
}

// ApprovalEvent represents a row in the approval_events table.
type ApprovalEvent struct {
	ID          int
	RequestID   string
	RunID       string
	Environment string
	Decision    string
	DecidedBy   string
	Timestamp   string
}

// LogRunEvent inserts a run lifecycle event.
func (d *DB) LogRunEvent(runID, event, environment, stage, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, environment, stage, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, environment, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogStageAttempt inserts one stage attempt record. Implements the stage
// runner's attempt sink.
func (d *DB) LogStageAttempt(runID, stage, environment string, attempt int, outcome string, durationMs int64, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO stage_attempts (run_id, stage, environment, attempt, outcome, duration_ms, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, stage, environment, attempt, outcome, durationMs, detail,
	)
	if err != nil {
		return fmt.Errorf("log stage attempt: %w", err)
	}
	return nil
}

// LogApprovalEvent inserts one approval decision record.
func (d *DB) LogApprovalEvent(requestID, runID, environment, decision, decidedBy string) error {
	_, err := d.conn.Exec(
		`INSERT INTO approval_events (request_id, run_id, environment, decision, decided_by) VALUES (?, ?, ?, ?, ?)`,
		requestID, runID, environment, decision, decidedBy,
	)
	if err != nil {
		return fmt.Errorf("log approval event: %w", err)
	}
	return nil
}

// RunHistory returns all lifecycle events for a run, oldest first.
func (d *DB) RunHistory(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, environment, stage, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY timestamp ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var env, stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &env, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Environment = env.String
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// StageAttempts returns every attempt recorded for a run, oldest first.
func (d *DB) StageAttempts(runID string) ([]StageAttempt, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, environment, attempt, outcome, duration_ms, detail, timestamp
		 FROM stage_attempts WHERE run_id = ? ORDER BY timestamp ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("stage attempts: %w", err)
	}
	defer rows.Close()

	var attempts []StageAttempt
	for rows.Next() {
		var a StageAttempt
		var env, detail sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&a.ID, &a.RunID, &a.Stage, &env, &a.Attempt, &a.Outcome, &durationMs, &detail, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage attempt: %w", err)
		}
		a.Environment = env.String
		a.DurationMs = durationMs.Int64
		a.Detail = detail.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ApprovalHistory returns all approval decisions for a run, oldest first.
func (d *DB) ApprovalHistory(runID string) ([]ApprovalEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, request_id, run_id, environment, decision, decided_by, timestamp
		 FROM approval_events WHERE run_id = ? ORDER BY timestamp ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("approval history: %w", err)
	}
	defer rows.Close()

	var events []ApprovalEvent
	for rows.Next() {
		var e ApprovalEvent
		var by sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.RunID, &e.Environment, &e.Decision, &by, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan approval event: %w", err)
		}
		e.DecidedBy = by.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentEvents returns the newest run events across all runs.
func (d *DB) RecentEvents(limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, environment, stage, detail, timestamp
		 FROM run_events ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var env, stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &env, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Environment = env.String
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
