// Package artifact is the content-addressed registry of deployable build
// outputs, keyed by fingerprint.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/internal/run"
)

// ErrNotFound is returned for lookups of unregistered fingerprints.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one deployable build output. Never mutated after
// registration.
type Artifact struct {
	Fingerprint     string    `json:"fingerprint"`
	StorageLocation string    `json:"storage_location"`
	SourceChangeID  string    `json:"source_change_id"`
	BuiltAt         time.Time `json:"built_at"`
}

// Registry maps fingerprints to artifacts. Registration is idempotent:
// re-registering an existing fingerprint is a no-op, never an error.
// The registry persists to a single JSON file.
type Registry struct {
	mu   sync.Mutex
	byFP map[string]Artifact
	path string // "" = in-memory only
}

// NewRegistry creates a Registry persisted at path, loading any existing
// snapshot. Pass "" for an in-memory registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{byFP: make(map[string]Artifact), path: path}
	if path == "" {
		return r, nil
	}
	var snapshot []Artifact
	if err := run.ReadJSON(path, &snapshot); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load artifact registry: %w", err)
		}
	}
	for _, a := range snapshot {
		r.byFP[a.Fingerprint] = a
	}
	return r, nil
}

// Register records an artifact under its fingerprint. If the fingerprint
// already exists the call is a no-op; metadata of the first registration
// wins. Safe for concurrent callers.
func (r *Registry) Register(a Artifact) error {
	if a.Fingerprint == "" {
		return fmt.Errorf("register artifact: empty fingerprint")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byFP[a.Fingerprint]; ok {
		return nil
	}
	r.byFP[a.Fingerprint] = a
	return r.persistLocked()
}

// Lookup returns the artifact for a fingerprint.
func (r *Registry) Lookup(fingerprint string) (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byFP[fingerprint]
	if !ok {
		return Artifact{}, fmt.Errorf("fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	return a, nil
}

// List returns all registered artifacts in unspecified order.
func (r *Registry) List() []Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Artifact, 0, len(r.byFP))
	for _, a := range r.byFP {
		out = append(out, a)
	}
	return out
}

func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	snapshot := make([]Artifact, 0, len(r.byFP))
	for _, a := range r.byFP {
		snapshot = append(snapshot, a)
	}
	return run.WriteJSON(r.path, snapshot)
}
