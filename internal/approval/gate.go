// Package approval tracks pending human decisions gating promotions.
package approval

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the state of an approval request. It transitions exactly
// once from pending to a terminal value.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// ErrAlreadyDecided marks a second decision on a settled request. First
// decision wins; approvals are not revocable through this path.
var ErrAlreadyDecided = errors.New("approval already decided")

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = errors.New("approval request not found")

// Request is one pending human decision.
type Request struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Environment string     `json:"environment"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    time.Time  `json:"deadline"`
	Decision    Decision   `json:"decision"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Gate tracks approval requests and notifies waiters on settlement.
type Gate struct {
	mu      sync.Mutex
	reqs    map[string]*Request
	waiters map[string]chan Decision
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{
		reqs:    make(map[string]*Request),
		waiters: make(map[string]chan Decision),
	}
}

// Request creates a pending approval request for a run/environment pair.
func (g *Gate) Request(runID, environment string, requestedAt, deadline time.Time) *Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := &Request{
		ID:          uuid.NewString(),
		RunID:       runID,
		Environment: environment,
		RequestedAt: requestedAt.UTC(),
		Deadline:    deadline.UTC(),
		Decision:    DecisionPending,
	}
	g.reqs[r.ID] = r
	g.waiters[r.ID] = make(chan Decision, 1)
	return r
}

// Decide settles a pending request with approved or rejected. Fails with
// ErrAlreadyDecided on a settled request.
func (g *Gate) Decide(id string, decision Decision, decidedBy string, decidedAt time.Time) error {
	if decision != DecisionApproved && decision != DecisionRejected {
		return fmt.Errorf("decision %q: must be approved or rejected", decision)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Decision != DecisionPending {
		return fmt.Errorf("request %s is %s: %w", id, r.Decision, ErrAlreadyDecided)
	}
	g.settleLocked(r, decision, decidedBy, decidedAt)
	return nil
}

// CheckExpired settles the request as expired if its deadline has passed
// with no decision. Expiry is evaluated against the caller's now, never
// against an internal clock, so the state machine is testable without
// real time passing. Returns whether the request is (now) expired.
func (g *Gate) CheckExpired(id string, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[id]
	if !ok {
		return false, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Decision == DecisionExpired {
		return true, nil
	}
	if r.Decision != DecisionPending {
		return false, nil
	}
	if now.Before(r.Deadline) {
		return false, nil
	}
	g.settleLocked(r, DecisionExpired, "", now)
	return true, nil
}

// Wait returns a channel that receives the terminal decision exactly once.
func (g *Gate) Wait(id string) <-chan Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.waiters[id]
	if !ok {
		// Unknown id: settle immediately so callers never hang.
		ch = make(chan Decision, 1)
		ch <- DecisionRejected
	}
	return ch
}

// Get returns a copy of the request.
func (g *Gate) Get(id string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return *r, nil
}

// List returns all requests, pending first, newest first within a group.
func (g *Gate) List() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Request, 0, len(g.reqs))
	for _, r := range g.reqs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Decision == DecisionPending, out[j].Decision == DecisionPending
		if pi != pj {
			return pi
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

func (g *Gate) settleLocked(r *Request, decision Decision, decidedBy string, at time.Time) {
	r.Decision = decision
	r.DecidedBy = decidedBy
	t := at.UTC()
	r.DecidedAt = &t

	if ch, ok := g.waiters[r.ID]; ok {
		ch <- decision
		delete(g.waiters, r.ID)
	}
}
