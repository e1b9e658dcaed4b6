package config

import (
	"time"

	"github.com/conveyorci/conveyor/internal/classify"
)

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
}

// Orchestrator defines the full deployment pipeline: environments in
// promotion order, collaborator commands, retry and classification policy.
type Orchestrator struct {
	Name            string          `yaml:"name"`
	StateDir        string          `yaml:"state_dir"`
	ListenAddr      string          `yaml:"listen_addr"`
	Workers         int             `yaml:"workers"`
	ApprovalTimeout string          `yaml:"approval_timeout"`
	Retry           Retry           `yaml:"retry"`
	Classifier      classify.Policy `yaml:"classifier"`
	Build           Command         `yaml:"build"`
	NotifyCommand   string          `yaml:"notify_command"`
	Environments    []Environment   `yaml:"environments"`
}

// Retry bounds stage attempts and paces retries.
type Retry struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

// BaseDelayDuration parses BaseDelay, falling back to 2s.
func (r Retry) BaseDelayDuration() time.Duration { return parseDuration(r.BaseDelay, 2*time.Second) }

// MaxDelayDuration parses MaxDelay, falling back to 1m.
func (r Retry) MaxDelayDuration() time.Duration { return parseDuration(r.MaxDelay, time.Minute) }

// Command is one external collaborator invocation.
type Command struct {
	Command            string `yaml:"command"`
	Timeout            string `yaml:"timeout"`
	RetryableExitCodes []int  `yaml:"retryable_exit_codes"`
}

// TimeoutDuration parses Timeout, falling back to def.
func (c Command) TimeoutDuration(def time.Duration) time.Duration {
	return parseDuration(c.Timeout, def)
}

// Environment is one statically configured deployment target.
type Environment struct {
	Name               string              `yaml:"name"`
	PromotionOrder     int                 `yaml:"promotion_order"`
	RequiresApproval   bool                `yaml:"requires_approval"`
	Skip               bool                `yaml:"skip"`
	Timeout            string              `yaml:"timeout"`
	RetryableExitCodes []int               `yaml:"retryable_exit_codes"`
	Commands           EnvironmentCommands `yaml:"commands"`
}

// TimeoutDuration parses the environment stage timeout, falling back to def.
func (e Environment) TimeoutDuration(def time.Duration) time.Duration {
	return parseDuration(e.Timeout, def)
}

// EnvironmentCommands are the per-environment collaborator commands.
type EnvironmentCommands struct {
	Test   string `yaml:"test"`
	Plan   string `yaml:"plan"`
	Deploy string `yaml:"deploy"`
	Verify string `yaml:"verify"`
}

// ApprovalTimeoutDuration parses ApprovalTimeout, falling back to 30m.
func (o Orchestrator) ApprovalTimeoutDuration() time.Duration {
	return parseDuration(o.ApprovalTimeout, 30*time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
