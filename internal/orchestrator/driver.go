package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/internal/run"
)

// Driver feeds runs to a fixed pool of workers. One worker executes one
// run end to end; per-environment serialization comes from the locks,
// not from the pool.
type Driver struct {
	orc     *Orchestrator
	workers int
	queue   chan string
}

// NewDriver creates a Driver with the given worker count.
func NewDriver(orc *Orchestrator, workers int) *Driver {
	if workers <= 0 {
		workers = 4
	}
	return &Driver{
		orc:     orc,
		workers: workers,
		queue:   make(chan string, 256),
	}
}

// Submit enqueues a run for execution. Returns an error when the queue
// is saturated; the caller decides whether to retry or surface it.
func (d *Driver) Submit(runID string) error {
	select {
	case d.queue <- runID:
		return nil
	default:
		return fmt.Errorf("submit run %s: queue full", runID)
	}
}

// Resume re-enqueues every non-terminal run, so work interrupted by a
// restart picks up where the persisted state left it.
func (d *Driver) Resume() (int, error) {
	runs, err := d.orc.store.List("")
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	resumed := 0
	for _, r := range runs {
		if r.State.Terminal() {
			continue
		}
		if err := d.Submit(r.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// Run processes the queue until ctx is cancelled. Execution errors are
// logged per run and never stop the pool.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.queue:
					if err := d.orc.Execute(ctx, id); err != nil {
						d.orc.logf("run %s: %v", id, err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Trigger validates and enqueues a change in one step.
func (d *Driver) Trigger(change run.ChangeRequest) (*run.Run, bool, error) {
	r, created, err := d.orc.Trigger(change)
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := d.Submit(r.ID); err != nil {
			return r, true, err
		}
	}
	return r, created, nil
}
