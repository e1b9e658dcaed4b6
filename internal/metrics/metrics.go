// Package metrics registers the Prometheus instrumentation for the
// pipeline. Counters are package-level and registered via promauto so
// every component can record without wiring a registry through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggersTotal counts trigger intake by result.
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_triggers_total",
		Help: "Total change triggers by result",
	}, []string{"result"}) // "accepted", "duplicate", "rejected"

	// RunsFinished counts runs reaching a terminal state.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_runs_finished_total",
		Help: "Total runs finished by terminal state",
	}, []string{"state"})

	// StageAttempts counts individual stage attempts by outcome.
	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_stage_attempts_total",
		Help: "Total stage attempts by stage name and outcome",
	}, []string{"stage", "outcome"})

	// ApprovalDecisions counts settled approval requests.
	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_approval_decisions_total",
		Help: "Total approval request settlements by decision",
	}, []string{"decision"})

	// Rollbacks counts rollback attempts by result.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_rollbacks_total",
		Help: "Total rollbacks by result",
	}, []string{"result"}) // "succeeded", "failed"

	// LockWaitSeconds observes how long runs queue for environment locks.
	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_lock_wait_seconds",
		Help:    "Time spent waiting for an environment lock",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8), // 100ms to ~7h
	}, []string{"environment"})

	// StageDuration observes wall-clock stage durations.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_stage_duration_seconds",
		Help:    "Stage duration in seconds, all attempts included",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
	}, []string{"stage"})
)
