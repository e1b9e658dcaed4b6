package artifact

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func art(fp, loc string) Artifact {
	return Artifact{
		Fingerprint:     fp,
		StorageLocation: loc,
		SourceChangeID:  "main@abc",
		BuiltAt:         time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := r.Register(art("sha256:aaa", "s3://bucket/aaa.zip")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup("sha256:aaa")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.StorageLocation != "s3://bucket/aaa.zip" {
		t.Errorf("StorageLocation = %q", got.StorageLocation)
	}
}

func TestLookupMissing(t *testing.T) {
	r, _ := NewRegistry("")
	_, err := r.Lookup("sha256:nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := NewRegistry("")
	if err := r.Register(art("sha256:aaa", "s3://bucket/first.zip")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Second registration with different metadata must not fail and must
	// not clobber the original.
	if err := r.Register(art("sha256:aaa", "s3://bucket/second.zip")); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	got, err := r.Lookup("sha256:aaa")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.StorageLocation != "s3://bucket/first.zip" {
		t.Errorf("StorageLocation = %q, want first registration to win", got.StorageLocation)
	}
	if len(r.List()) != 1 {
		t.Errorf("List has %d entries, want 1", len(r.List()))
	}
}

func TestEmptyFingerprintRejected(t *testing.T) {
	r, _ := NewRegistry("")
	if err := r.Register(Artifact{StorageLocation: "s3://x"}); err == nil {
		t.Fatal("Register with empty fingerprint should fail")
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r, _ := NewRegistry("")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Register(art("sha256:aaa", "s3://bucket/aaa.zip"))
		}()
	}
	wg.Wait()

	if len(r.List()) != 1 {
		t.Fatalf("List has %d entries, want 1", len(r.List()))
	}
	got, err := r.Lookup("sha256:aaa")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.StorageLocation != "s3://bucket/aaa.zip" {
		t.Errorf("StorageLocation = %q", got.StorageLocation)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.json")

	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r.Register(art("sha256:aaa", "s3://bucket/aaa.zip")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reloaded, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Lookup("sha256:aaa")
	if err != nil {
		t.Fatalf("Lookup after reload: %v", err)
	}
	if got.StorageLocation != "s3://bucket/aaa.zip" {
		t.Errorf("StorageLocation = %q", got.StorageLocation)
	}
}
