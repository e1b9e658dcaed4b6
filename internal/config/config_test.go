package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
orchestrator:
  name: payments
  listen_addr: ":9000"
  approval_timeout: 45m
  retry:
    max_attempts: 5
    base_delay: 3s
    max_delay: 30s
  build:
    command: "make package"
    timeout: 10m
    retryable_exit_codes: [75]
  environments:
    - name: dev
      promotion_order: 10
      commands:
        test: "make integration-test ENV=dev"
        plan: "make plan ENV=dev"
        deploy: "make deploy ENV=dev"
        verify: "make smoke ENV=dev"
    - name: prod
      promotion_order: 20
      requires_approval: true
      timeout: 30m
      commands:
        test: "make integration-test ENV=prod"
        deploy: "make deploy ENV=prod"
        verify: "make smoke ENV=prod"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.Orchestrator

	if o.Name != "payments" {
		t.Errorf("Name = %q", o.Name)
	}
	if o.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", o.ListenAddr)
	}
	if o.ApprovalTimeoutDuration() != 45*time.Minute {
		t.Errorf("ApprovalTimeout = %s", o.ApprovalTimeoutDuration())
	}
	if o.Retry.MaxAttempts != 5 || o.Retry.BaseDelayDuration() != 3*time.Second {
		t.Errorf("Retry = %+v", o.Retry)
	}
	if len(o.Environments) != 2 {
		t.Fatalf("Environments = %d, want 2", len(o.Environments))
	}
	if !o.Environments[1].RequiresApproval {
		t.Error("prod should require approval")
	}
	if o.Environments[1].TimeoutDuration(0) != 30*time.Minute {
		t.Errorf("prod timeout = %s", o.Environments[1].TimeoutDuration(0))
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	o := cfg.Orchestrator

	if o.Workers != 4 {
		t.Errorf("Workers = %d, want default 4", o.Workers)
	}
	if o.Classifier.NormalThreshold != 50 {
		t.Errorf("Classifier.NormalThreshold = %d, want default policy", o.Classifier.NormalThreshold)
	}
	// Environments inherit the build command's retryable exit codes.
	if len(o.Environments[0].RetryableExitCodes) != 1 || o.Environments[0].RetryableExitCodes[0] != 75 {
		t.Errorf("dev RetryableExitCodes = %v", o.Environments[0].RetryableExitCodes)
	}
	if o.Environments[0].Timeout != "15m" {
		t.Errorf("dev Timeout = %q, want default 15m", o.Environments[0].Timeout)
	}
}

func TestDurationFallbacks(t *testing.T) {
	r := Retry{BaseDelay: "bogus"}
	if r.BaseDelayDuration() != 2*time.Second {
		t.Errorf("BaseDelayDuration = %s, want 2s fallback", r.BaseDelayDuration())
	}
	if r.MaxDelayDuration() != time.Minute {
		t.Errorf("MaxDelayDuration = %s, want 1m fallback", r.MaxDelayDuration())
	}
}

func TestValidateOK(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate = %v, want no errors", errs)
	}
}

func TestValidateCatchesProblems(t *testing.T) {
	cfg := &Config{Orchestrator: Orchestrator{
		Environments: []Environment{
			{Name: "dev", PromotionOrder: 10},
			{Name: "dev", PromotionOrder: 10},
		},
	}}
	applyDefaults(cfg)
	errs := Validate(cfg)

	wantFields := map[string]bool{
		"orchestrator.name":          false,
		"orchestrator.build.command": false,
	}
	var dupName, dupOrder, missingCmd bool
	for _, e := range errs {
		if _, ok := wantFields[e.Field]; ok {
			wantFields[e.Field] = true
		}
		switch {
		case e.Field == "orchestrator.environments[1].name":
			dupName = true
		case e.Field == "orchestrator.environments[1].promotion_order":
			dupOrder = true
		case e.Field == "orchestrator.environments[0].commands.test":
			missingCmd = true
		}
	}
	for f, seen := range wantFields {
		if !seen {
			t.Errorf("expected a validation error on %s (got %v)", f, errs)
		}
	}
	if !dupName || !dupOrder || !missingCmd {
		t.Errorf("missing expected errors (dupName=%v dupOrder=%v missingCmd=%v): %v", dupName, dupOrder, missingCmd, errs)
	}
}

func TestValidateSkippedEnvironmentNeedsNoCommands(t *testing.T) {
	cfg := &Config{Orchestrator: Orchestrator{
		Name:  "x",
		Build: Command{Command: "make"},
		Environments: []Environment{
			{Name: "staging", PromotionOrder: 10, Skip: true},
			{Name: "prod", PromotionOrder: 20, Commands: EnvironmentCommands{
				Test: "t", Deploy: "d", Verify: "v",
			}},
		},
	}}
	applyDefaults(cfg)
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate = %v, want no errors", errs)
	}
}
