// Package rotation drives scheduled and emergency key rotation.
package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/root-sector/client-data-module-encryption/types"
)

// RunStatus is the lifecycle state of one rotation run.
type RunStatus string

const (
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusRolledBack RunStatus = "rolled_back"
)

// Run tracks one rotation of one field. At most one run per field is active
// at a time.
type Run struct {
	FieldPath string
	Mode      types.RotationMode
	Status    RunStatus
	StartedAt time.Time
	Progress  types.RotationProgress
	Err       error

	cancel context.CancelFunc
}

// Coordinator serializes rotation runs per field and tracks their progress.
type Coordinator struct {
	mu         sync.RWMutex
	active     map[string]*Run
	lastRuns   map[string]*Run
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewCoordinator creates an empty rotation coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		active:     make(map[string]*Run),
		lastRuns:   make(map[string]*Run),
		shutdownCh: make(chan struct{}),
	}
}

// Begin registers a run for the field and returns a cancellable context for
// it. A second run for the same field is refused while one is active.
func (c *Coordinator) Begin(ctx context.Context, fieldPath string, mode types.RotationMode) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isShuttingDownLocked() {
		return nil, fmt.Errorf("rotation coordinator is shutting down")
	}
	if _, exists := c.active[fieldPath]; exists {
		return nil, fmt.Errorf("field %s: %w", fieldPath, types.ErrRotationInProgress)
	}

	runCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	c.active[fieldPath] = &Run{
		FieldPath: fieldPath,
		Mode:      mode,
		Status:    StatusRunning,
		StartedAt: now,
		Progress: types.RotationProgress{
			FieldPath: fieldPath,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	c.wg.Add(1)

	return runCtx, nil
}

// SetVersions records the version pair a run is migrating between.
func (c *Coordinator) SetVersions(fieldPath, oldVersionID, newVersionID string, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run, exists := c.active[fieldPath]; exists {
		run.Progress.OldVersionID = oldVersionID
		run.Progress.NewVersionID = newVersionID
		run.Progress.Total = total
		run.Progress.UpdatedAt = time.Now().UTC()
	}
}

// UpdateProgress advances a run's re-encryption counters.
func (c *Coordinator) UpdateProgress(fieldPath string, processed, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run, exists := c.active[fieldPath]; exists {
		run.Progress.Processed = processed
		run.Progress.Failed = failed
		run.Progress.UpdatedAt = time.Now().UTC()
	}
}

// Finish moves a run to a terminal status and releases the field.
func (c *Coordinator) Finish(fieldPath string, status RunStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, exists := c.active[fieldPath]
	if !exists {
		return
	}

	run.Status = status
	run.Err = err
	run.cancel()
	delete(c.active, fieldPath)
	c.lastRuns[fieldPath] = run
	c.wg.Done()
}

// Status returns a copy of the field's active run, or its most recent
// terminal run when none is active.
func (c *Coordinator) Status(fieldPath string) *Run {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if run, exists := c.active[fieldPath]; exists {
		return copyRun(run)
	}
	if run, exists := c.lastRuns[fieldPath]; exists {
		return copyRun(run)
	}
	return nil
}

// Active returns copies of all in-flight runs.
func (c *Coordinator) Active() []*Run {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runs := make([]*Run, 0, len(c.active))
	for _, run := range c.active {
		runs = append(runs, copyRun(run))
	}
	return runs
}

// Shutdown cancels all active runs and waits for them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	select {
	case <-c.shutdownCh:
	default:
		close(c.shutdownCh)
	}
	for _, run := range c.active {
		run.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShuttingDown reports whether Shutdown has been requested.
func (c *Coordinator) IsShuttingDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isShuttingDownLocked()
}

func (c *Coordinator) isShuttingDownLocked() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

func copyRun(run *Run) *Run {
	clone := *run
	clone.cancel = nil
	return &clone
}
