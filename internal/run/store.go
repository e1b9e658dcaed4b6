package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store manages run state on disk: one directory per run, run.json inside.
type Store struct {
	baseDir string

	// Serializes Update read-modify-write cycles per process. Transitions
	// for a single run are already serialized by its driver; this guards
	// the read surface against torn concurrent updates.
	mu sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.conveyor/runs, creating the directory
// if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".conveyor", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.baseDir, id, "run.json")
}

// Create initialises a new queued run for a change.
func (s *Store) Create(change ChangeRequest) (*Run, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	r := &Run{
		ID:        id,
		Change:    change,
		StagePlan: []StageExecution{},
		State:     StateQueued,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := WriteJSON(s.runPath(id), r); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return r, nil
}

// Get reads the run state for an id.
func (s *Store) Get(id string) (*Run, error) {
	var r Run
	if err := ReadJSON(s.runPath(id), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &r, nil
}

// Update performs an atomic read-modify-write of a run's state.
func (s *Store) Update(id string, fn func(*Run)) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if r.State.Terminal() && r.FinishedAt == "" {
		r.FinishedAt = r.UpdatedAt
	}
	if err := WriteJSON(s.runPath(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns all runs, newest first, optionally filtered by state.
// Pass "" to return all runs.
func (s *Store) List(stateFilter State) ([]Run, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if stateFilter == "" || r.State == stateFilter {
			runs = append(runs, *r)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt > runs[j].StartedAt
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	dir := filepath.Join(s.baseDir, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}
