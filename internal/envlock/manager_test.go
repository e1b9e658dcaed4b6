package envlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireAndRelease(t *testing.T) {
	m := NewManager()

	l, err := m.TryAcquire("dev", "run-a")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if holder, ok := m.Holder("dev"); !ok || holder != "run-a" {
		t.Errorf("Holder = %q, %v", holder, ok)
	}

	// Second acquisition is refused, not queued.
	if _, err := m.TryAcquire("dev", "run-b"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("err = %v, want ErrAlreadyLocked", err)
	}

	// Other environments are independent.
	if _, err := m.TryAcquire("qa", "run-b"); err != nil {
		t.Fatalf("TryAcquire qa: %v", err)
	}

	if err := m.Release(l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := m.Holder("dev"); ok {
		t.Error("dev should be free after release")
	}
}

func TestReleaseByNonHolder(t *testing.T) {
	m := NewManager()
	l, err := m.TryAcquire("dev", "run-a")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := m.Release(l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Double release: the lock record is stale now.
	if err := m.Release(l); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("err = %v, want ErrNotHolder", err)
	}
	if err := m.Release(nil); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release(nil) err = %v, want ErrNotHolder", err)
	}
}

func TestAcquireFIFO(t *testing.T) {
	m := NewManager()
	held, err := m.TryAcquire("dev", "run-a")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	start := make(chan struct{})

	enqueue := func(runID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			l, err := m.Acquire(context.Background(), "dev", runID)
			if err != nil {
				t.Errorf("Acquire %s: %v", runID, err)
				return
			}
			mu.Lock()
			order = append(order, runID)
			mu.Unlock()
			_ = m.Release(l)
		}()
	}

	enqueue("run-b")
	// Make run-b enter the queue before run-c.
	close(start)
	waitForQueue(t, m, "dev", 1)
	enqueue("run-c")
	waitForQueue(t, m, "dev", 2)

	if err := m.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	wg.Wait()

	if len(order) != 2 || order[0] != "run-b" || order[1] != "run-c" {
		t.Errorf("grant order = %v, want [run-b run-c]", order)
	}
}

func TestAcquireCancelled(t *testing.T) {
	m := NewManager()
	held, err := m.TryAcquire("dev", "run-a")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "dev", "run-b")
		done <- err
	}()
	waitForQueue(t, m, "dev", 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire err = %v, want context.Canceled", err)
	}
	if m.QueueLength("dev") != 0 {
		t.Errorf("QueueLength = %d, want 0", m.QueueLength("dev"))
	}

	// The cancelled waiter must not strand the lock.
	if err := m.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := m.Holder("dev"); ok {
		t.Error("dev should be free")
	}
}

// At most one lock per environment under concurrent contention with
// random interleaving.
func TestMutualExclusionUnderContention(t *testing.T) {
	m := NewManager()
	var inFlight, maxSeen int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l, err := m.Acquire(context.Background(), "prod", "run")
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				mu.Lock()
				inFlight++
				if inFlight > maxSeen {
					maxSeen = inFlight
				}
				mu.Unlock()

				time.Sleep(time.Microsecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				if err := m.Release(l); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func waitForQueue(t *testing.T, m *Manager, env string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.QueueLength(env) < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue on %s never reached %d", env, n)
		}
		time.Sleep(time.Millisecond)
	}
}
