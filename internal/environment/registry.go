// Package environment tracks the runtime state of deployment targets:
// which artifact each environment currently runs and whether automation
// on it is frozen.
package environment

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/run"
)

// ErrUnknown is returned for environments not present in configuration.
var ErrUnknown = errors.New("unknown environment")

// Status is the persisted runtime state of one environment.
// CurrentFingerprint is mutated only while the caller holds that
// environment's lock.
type Status struct {
	Name               string `json:"name"`
	CurrentFingerprint string `json:"current_fingerprint,omitempty"`
	Frozen             bool   `json:"frozen,omitempty"`
	FrozenReason       string `json:"frozen_reason,omitempty"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

// Info combines static configuration with runtime state for callers.
type Info struct {
	config.Environment
	Status
}

// Registry holds the configured environments and their runtime state,
// persisted as a single JSON file.
type Registry struct {
	mu      sync.Mutex
	ordered []config.Environment // ascending promotion order
	states  map[string]*Status
	path    string // "" = in-memory only
}

// NewRegistry creates a Registry for the configured environments, loading
// any persisted state at path. Pass "" to keep state in memory.
func NewRegistry(path string, envs []config.Environment) (*Registry, error) {
	ordered := make([]config.Environment, len(envs))
	copy(ordered, envs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PromotionOrder < ordered[j].PromotionOrder
	})

	r := &Registry{ordered: ordered, states: make(map[string]*Status), path: path}
	for _, e := range ordered {
		r.states[e.Name] = &Status{Name: e.Name}
	}

	if path != "" {
		var persisted []Status
		if err := run.ReadJSON(path, &persisted); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load environment state: %w", err)
			}
		}
		for _, st := range persisted {
			// State for environments dropped from config is discarded.
			if cur, ok := r.states[st.Name]; ok {
				*cur = st
			}
		}
	}
	return r, nil
}

// PromotionOrder returns the non-skipped environments in ascending
// promotion order. Skip is static configuration, never a runtime decision.
func (r *Registry) PromotionOrder() []config.Environment {
	var out []config.Environment
	for _, e := range r.ordered {
		if !e.Skip {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the static configuration for an environment.
func (r *Registry) Get(name string) (config.Environment, error) {
	for _, e := range r.ordered {
		if e.Name == name {
			return e, nil
		}
	}
	return config.Environment{}, fmt.Errorf("environment %q: %w", name, ErrUnknown)
}

// CurrentFingerprint returns the last successfully deployed artifact
// fingerprint for an environment ("" if none).
func (r *Registry) CurrentFingerprint(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return "", fmt.Errorf("environment %q: %w", name, ErrUnknown)
	}
	return st.CurrentFingerprint, nil
}

// SetCurrentFingerprint records a successful deploy-and-verify. The caller
// must hold the environment's lock.
func (r *Registry) SetCurrentFingerprint(name, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return fmt.Errorf("environment %q: %w", name, ErrUnknown)
	}
	st.CurrentFingerprint = fingerprint
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return r.persistLocked()
}

// Freeze halts automated promotion on an environment until it is manually
// cleared.
func (r *Registry) Freeze(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return fmt.Errorf("environment %q: %w", name, ErrUnknown)
	}
	st.Frozen = true
	st.FrozenReason = reason
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return r.persistLocked()
}

// Unfreeze clears a freeze. This is the manual-intervention path.
func (r *Registry) Unfreeze(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return fmt.Errorf("environment %q: %w", name, ErrUnknown)
	}
	st.Frozen = false
	st.FrozenReason = ""
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return r.persistLocked()
}

// IsFrozen reports whether automation on an environment is halted.
func (r *Registry) IsFrozen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	return ok && st.Frozen
}

// List returns config and state for every environment in promotion order,
// including skipped ones.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.ordered))
	for _, e := range r.ordered {
		out = append(out, Info{Environment: e, Status: *r.states[e.Name]})
	}
	return out
}

func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	snapshot := make([]Status, 0, len(r.ordered))
	for _, e := range r.ordered {
		snapshot = append(snapshot, *r.states[e.Name])
	}
	return run.WriteJSON(r.path, snapshot)
}
