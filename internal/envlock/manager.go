// Package envlock guarantees at most one in-flight deployment per
// environment. Waiters are granted the lock in FIFO order of arrival.
package envlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyLocked is the expected, non-fatal answer to TryAcquire on a
// held lock. Callers decide their own queuing policy.
var ErrAlreadyLocked = errors.New("environment already locked")

// ErrNotHolder marks a release by a caller that does not hold the lock.
// This is a programming error, not a condition to retry.
var ErrNotHolder = errors.New("not the lock holder")

// Lock is an ephemeral ownership record for one environment.
type Lock struct {
	Environment string
	HolderRunID string
	AcquiredAt  time.Time
}

type waiter struct {
	runID string
	ch    chan *Lock
}

// Manager hands out per-environment locks.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*Lock
	waiters map[string][]*waiter
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{
		locks:   make(map[string]*Lock),
		waiters: make(map[string][]*waiter),
		now:     time.Now,
	}
}

// TryAcquire attempts a non-blocking acquisition. Returns ErrAlreadyLocked
// if another run holds the environment.
func (m *Manager) TryAcquire(env, runID string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryAcquireLocked(env, runID)
}

// Acquire blocks until the lock is granted, joining a FIFO queue behind
// any earlier waiters. Cancelling ctx abandons the wait; a lock granted
// in the cancellation window is handed straight to the next waiter.
func (m *Manager) Acquire(ctx context.Context, env, runID string) (*Lock, error) {
	m.mu.Lock()
	if l, err := m.tryAcquireLocked(env, runID); err == nil {
		m.mu.Unlock()
		return l, nil
	}
	w := &waiter{runID: runID, ch: make(chan *Lock, 1)}
	m.waiters[env] = append(m.waiters[env], w)
	m.mu.Unlock()

	select {
	case l := <-w.ch:
		return l, nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case l := <-w.ch:
			// Granted while we were cancelling: pass it on.
			m.releaseLocked(l)
		default:
			m.removeWaiterLocked(env, w)
		}
		return nil, ctx.Err()
	}
}

// Release gives up a held lock and grants it to the next queued waiter.
func (m *Manager) Release(l *Lock) error {
	if l == nil {
		return fmt.Errorf("release nil lock: %w", ErrNotHolder)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[l.Environment]
	if !ok || held != l {
		return fmt.Errorf("release %s by run %s: %w", l.Environment, l.HolderRunID, ErrNotHolder)
	}
	m.releaseLocked(l)
	return nil
}

// Holder returns the run currently holding env, if any.
func (m *Manager) Holder(env string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[env]
	if !ok {
		return "", false
	}
	return l.HolderRunID, true
}

// QueueLength returns the number of runs waiting on env.
func (m *Manager) QueueLength(env string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[env])
}

func (m *Manager) tryAcquireLocked(env, runID string) (*Lock, error) {
	if held, ok := m.locks[env]; ok {
		return nil, fmt.Errorf("%s held by run %s: %w", env, held.HolderRunID, ErrAlreadyLocked)
	}
	l := &Lock{Environment: env, HolderRunID: runID, AcquiredAt: m.now()}
	m.locks[env] = l
	return l, nil
}

// releaseLocked drops the lock and hands it to the head of the queue.
// Caller must hold m.mu, and l must be the current holder.
func (m *Manager) releaseLocked(l *Lock) {
	delete(m.locks, l.Environment)

	q := m.waiters[l.Environment]
	if len(q) == 0 {
		return
	}
	next := q[0]
	m.waiters[l.Environment] = q[1:]

	granted := &Lock{Environment: l.Environment, HolderRunID: next.runID, AcquiredAt: m.now()}
	m.locks[l.Environment] = granted
	next.ch <- granted
}

func (m *Manager) removeWaiterLocked(env string, w *waiter) {
	q := m.waiters[env]
	for i := range q {
		if q[i] == w {
			m.waiters[env] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
