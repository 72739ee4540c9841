// Package scheduler implements dax's Adaptive Batch Scheduler (spec §4.F):
// Nagle-style accumulation, pipelining, sync-point segmentation, and write
// coalescing, for each of SQL reads, SQL writes, and K/V commands owned by
// one worker.
package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Gate bounds in-flight network operations per worker, shared between the
// SQL and K/V paths (spec §4.F "Concurrency gate"). It is backed by
// golang.org/x/sync/semaphore, the sibling package to the singleflight
// coalescing the teacher already depends on (golang.org/x/sync) —
// semaphore.Weighted gives the same "cheap fast path, FIFO queue once
// saturated" shape the spec calls for.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns a Gate admitting up to maxConcurrent simultaneous holders.
func NewGate(maxConcurrent int64) *Gate {
	return &Gate{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("scheduler: gate acquire: %w", err)
	}
	return nil
}

// Release returns a slot to the gate.
func (g *Gate) Release() {
	g.sem.Release(1)
}
