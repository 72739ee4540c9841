// Package estimator tracks round-trip and per-statement timing so the Batch
// Scheduler (package scheduler) knows when a store is warmed up enough to
// batch, and when it has gone stale enough to recalibrate (spec §4.E).
//
// Grounded on the teacher's warming/predictor.go: a mutex-protected map of
// per-key running statistics, updated from the hot path and read
// occasionally, in the same shape as DefaultPredictor's accessLog.
package estimator

import (
	"sync"
	"time"
)

// Store identifies which backend an Estimator's network EMA tracks.
type Store int

const (
	SQL Store = iota
	KV
)

const (
	// BootstrapThreshold is the number of single-entry batches per store
	// that are sent immediately before batching EMAs are trusted (spec
	// §4.E, §6 kBootstrapThreshold).
	BootstrapThreshold = 5
	// StalenessThreshold is how long a store may go without a
	// single-entry sample before the next submission is sent directly to
	// recalibrate (spec §4.E, §6 kStalenessThreshold).
	StalenessThreshold = 5 * time.Minute

	networkAlpha   = 0.01
	statementAlpha = 0.1
)

// Estimator tracks one store's network round-trip EMA plus a per-statement
// cost table keyed by sqlstore.StmtKey (passed in as `any` so this package
// does not depend on sqlstore).
type Estimator struct {
	mu sync.Mutex

	networkEMA   float64 // nanoseconds
	bootstrapN   int
	lastSingleAt time.Time
	hasSample    bool

	statements map[any]*stmtSample
}

type stmtSample struct {
	ema     float64 // nanoseconds
	samples uint64
}

// New returns an Estimator with no samples yet (so the first
// BootstrapThreshold submissions bypass batching).
func New() *Estimator {
	return &Estimator{statements: make(map[any]*stmtSample)}
}

// Bootstrapping reports whether this store has not yet seen
// BootstrapThreshold single-entry batches.
func (e *Estimator) Bootstrapping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootstrapN < BootstrapThreshold
}

// Stale reports whether more than StalenessThreshold has elapsed since the
// last single-entry sample (always true before the first sample).
func (e *Estimator) Stale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasSample {
		return true
	}
	return time.Since(e.lastSingleAt) > StalenessThreshold
}

// NetworkEMA returns the current round-trip EMA in nanoseconds (0 before the
// first sample).
func (e *Estimator) NetworkEMA() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.networkEMA)
}

// RecordSingle records a single-entry batch's observed round trip, updating
// the network EMA, the bootstrap counter, and the staleness clock. Per spec
// §4.F, network EMA is only updated "when the batch had exactly one entry".
func (e *Estimator) RecordSingle(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordNetworkLocked(rtt)
	if e.bootstrapN < BootstrapThreshold {
		e.bootstrapN++
	}
	e.lastSingleAt = time.Now()
	e.hasSample = true
}

func (e *Estimator) recordNetworkLocked(rtt time.Duration) {
	if !e.hasSample {
		e.networkEMA = float64(rtt)
		return
	}
	e.networkEMA = networkAlpha*float64(rtt) + (1-networkAlpha)*e.networkEMA
}

// RecordStatement records one segment's processing time for a statement
// key, weighted by its share of the batch it was part of: alpha = 0.1 *
// batchShare, so a statement that was a minority of a large batch
// contributes a smaller fraction of its sample (spec §4.E). batchShare is
// 1/len(batch) for a batch containing len(batch) distinct statements, or
// simply 1 for a singleton.
func (e *Estimator) RecordStatement(key any, cost time.Duration, batchShare float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.statements[key]
	if !ok {
		e.statements[key] = &stmtSample{ema: float64(cost), samples: 1}
		return
	}
	alpha := statementAlpha * batchShare
	if alpha > 1 {
		alpha = 1
	}
	s.ema = alpha*float64(cost) + (1-alpha)*s.ema
	s.samples++
}

// StatementCost returns the current EMA cost for a statement key, or 0 if
// unseen.
func (e *Estimator) StatementCost(key any) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.statements[key]
	if !ok {
		return 0
	}
	return time.Duration(s.ema)
}

// Mergeable implements the advisory merge predicate from spec §4.E: two
// batches (by their statement cost) are mergeable iff
// max(a,b)/min(a,b) <= 5, with 0 treated as mergeable. It is defined but,
// per spec, deliberately not invoked anywhere — per-SQL-pointer grouping of
// entity reads into ANY($1) segments is explicitly deferred.
func Mergeable(a, b time.Duration) bool {
	if a == 0 || b == 0 {
		return true
	}
	hi, lo := a, b
	if lo > hi {
		hi, lo = lo, hi
	}
	return float64(hi)/float64(lo) <= 5
}
