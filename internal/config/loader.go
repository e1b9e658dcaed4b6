package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/internal/classify"
)

// Load reads and parses an orchestrator configuration from the given YAML
// file path, applying defaults after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for an orchestrator config in standard locations and
// loads the first one found. Search order: ./conveyor.yaml,
// ~/.conveyor/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no orchestrator config found (searched: %v)", candidates)
}

// applyDefaults fills unset top-level and per-environment values.
func applyDefaults(cfg *Config) {
	o := &cfg.Orchestrator

	if o.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			o.StateDir = filepath.Join(home, ".conveyor")
		}
	}
	if o.ListenAddr == "" {
		o.ListenAddr = ":8712"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}

	if isZeroPolicy(o.Classifier) {
		o.Classifier = classify.DefaultPolicy()
	}

	for i := range o.Environments {
		e := &o.Environments[i]
		// Environments without explicit retryable exit codes inherit the
		// build command's.
		if len(e.RetryableExitCodes) == 0 {
			e.RetryableExitCodes = o.Build.RetryableExitCodes
		}
		if e.Timeout == "" {
			e.Timeout = "15m"
		}
	}
}

// isZeroPolicy reports whether the classifier section was omitted entirely.
func isZeroPolicy(p classify.Policy) bool {
	return p.BaseScore == 0 && p.NormalThreshold == 0 && p.HardCeiling == 0 &&
		len(p.OperationalPaths) == 0 && len(p.SecurityPaths) == 0 && p.OverrideLabel == ""
}
