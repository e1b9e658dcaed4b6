package environment

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/conveyorci/conveyor/internal/config"
)

func envs() []config.Environment {
	return []config.Environment{
		{Name: "prod", PromotionOrder: 30, RequiresApproval: true},
		{Name: "dev", PromotionOrder: 10},
		{Name: "staging", PromotionOrder: 20, Skip: true},
	}
}

func TestPromotionOrder(t *testing.T) {
	r, err := NewRegistry("", envs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	order := r.PromotionOrder()
	if len(order) != 2 {
		t.Fatalf("PromotionOrder has %d envs, want 2 (staging is skipped)", len(order))
	}
	if order[0].Name != "dev" || order[1].Name != "prod" {
		t.Errorf("order = [%s %s], want [dev prod]", order[0].Name, order[1].Name)
	}

	// List still includes skipped environments.
	if len(r.List()) != 3 {
		t.Errorf("List has %d envs, want 3", len(r.List()))
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	r, _ := NewRegistry("", envs())

	fp, err := r.CurrentFingerprint("dev")
	if err != nil || fp != "" {
		t.Fatalf("initial fingerprint = %q, %v", fp, err)
	}
	if err := r.SetCurrentFingerprint("dev", "sha256:aaa"); err != nil {
		t.Fatalf("SetCurrentFingerprint: %v", err)
	}
	fp, _ = r.CurrentFingerprint("dev")
	if fp != "sha256:aaa" {
		t.Errorf("fingerprint = %q", fp)
	}
}

func TestUnknownEnvironment(t *testing.T) {
	r, _ := NewRegistry("", envs())
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Get err = %v, want ErrUnknown", err)
	}
	if _, err := r.CurrentFingerprint("nope"); !errors.Is(err, ErrUnknown) {
		t.Errorf("CurrentFingerprint err = %v, want ErrUnknown", err)
	}
	if err := r.SetCurrentFingerprint("nope", "x"); !errors.Is(err, ErrUnknown) {
		t.Errorf("SetCurrentFingerprint err = %v, want ErrUnknown", err)
	}
}

func TestFreezeUnfreeze(t *testing.T) {
	r, _ := NewRegistry("", envs())

	if r.IsFrozen("prod") {
		t.Fatal("prod should start unfrozen")
	}
	if err := r.Freeze("prod", "rollback failed for run abc"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !r.IsFrozen("prod") {
		t.Fatal("prod should be frozen")
	}
	if err := r.Unfreeze("prod"); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if r.IsFrozen("prod") {
		t.Fatal("prod should be unfrozen")
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.json")

	r, err := NewRegistry(path, envs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.SetCurrentFingerprint("dev", "sha256:aaa"); err != nil {
		t.Fatalf("SetCurrentFingerprint: %v", err)
	}
	if err := r.Freeze("prod", "manual test"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	reloaded, err := NewRegistry(path, envs())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	fp, _ := reloaded.CurrentFingerprint("dev")
	if fp != "sha256:aaa" {
		t.Errorf("fingerprint after reload = %q", fp)
	}
	if !reloaded.IsFrozen("prod") {
		t.Error("frozen flag lost on reload")
	}
}
