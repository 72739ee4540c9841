package scheduler

import (
	"context"
	"time"

	"github.com/axis9/dax/estimator"
	"github.com/axis9/dax/internal/metrics"
	"github.com/axis9/dax/kvstore"
	"github.com/axis9/dax/sqlstore"
)

const (
	// MaxBatchEntries is kMaxBatchEntries from spec §6: the hard cap on
	// any accumulating batch's size before it fires regardless of cost.
	MaxBatchEntries = 512

	minSQLReadDeparture  = 100 * time.Microsecond
	minSQLWriteDeparture = 100 * time.Microsecond
	minKVDeparture       = 50 * time.Microsecond
)

// Scheduler is one worker's Adaptive Batch Scheduler: it owns one
// accumulating batch each for SQL reads, SQL writes, and K/V commands, a
// shared concurrency gate, and the timing estimators that drive Nagle-style
// departure decisions (spec §4.F).
//
// Scheduler's batch-accumulation state (readBatch/writeBatch/kvBatch) is
// guarded by a per-batch mutex rather than being truly lock-free the way a
// single-OS-thread cooperative scheduler can afford: dax's "worker" is a
// logical owner, not a pinned OS thread, and request-handling goroutines
// call Submit* directly rather than routing through one loop goroutine, so
// concurrent callers are a real possibility Go must account for. The lock is
// held only around the entries slice, never across network I/O — the same
// discipline the teacher's singleflight.go uses around its calls map.
type Scheduler struct {
	sqlPool sqlPool
	kvPool  *kvstore.Pool

	sqlEstimator *estimator.Estimator
	kvEstimator  *estimator.Estimator

	gate  *Gate
	timer DepartureTimer

	onWriteSuccess func(ctx context.Context, key sqlstore.StmtKey, params []any, result WriteResult)

	sqlReadMetrics  *metrics.Batch
	sqlWriteMetrics *metrics.Batch
	kvMetrics       *metrics.Batch

	readBatch  sqlReadBatch
	writeBatch sqlWriteBatch
	kvBatch    kvBatch
}

// Config configures a new Scheduler.
type Config struct {
	SQLPool       *sqlstore.Pool
	KVPool        *kvstore.Pool
	MaxConcurrent int64
	Timer         DepartureTimer // nil uses StdTimer

	// OnWriteSuccess, if set, is called synchronously after each
	// non-coalesced write succeeds, before the write's waiters are woken.
	// The Provider wires this to the Invalidation Graph so that, per
	// spec's invalidation-atomicity invariant, propagation completes
	// before the mutating call returns.
	OnWriteSuccess func(ctx context.Context, key sqlstore.StmtKey, params []any, result WriteResult)

	SQLReadMetrics  *metrics.Batch
	SQLWriteMetrics *metrics.Batch
	KVMetrics       *metrics.Batch
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	t := cfg.Timer
	if t == nil {
		t = StdTimer{}
	}
	s := &Scheduler{
		sqlPool:         poolAdapter{pool: cfg.SQLPool},
		kvPool:          cfg.KVPool,
		sqlEstimator:    estimator.New(),
		kvEstimator:     estimator.New(),
		gate:            NewGate(cfg.MaxConcurrent),
		timer:           t,
		onWriteSuccess:  cfg.OnWriteSuccess,
		sqlReadMetrics:  cfg.SQLReadMetrics,
		sqlWriteMetrics: cfg.SQLWriteMetrics,
		kvMetrics:       cfg.KVMetrics,
	}
	s.readBatch.init()
	s.writeBatch.init()
	s.kvBatch.init()
	return s
}
