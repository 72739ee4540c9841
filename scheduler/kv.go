package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axis9/dax/kvstore"
)

// KVResult is one K/V command's reply.
type KVResult struct {
	Value kvstore.Value
}

type kvEntry struct {
	argv [][]byte
	done chan struct{}

	result KVResult
	err    error
}

type kvBatch struct {
	mu              sync.Mutex
	inflight        bool
	entries         []*kvEntry
	accumulatedCost time.Duration
	timerCancel     func()
}

func (b *kvBatch) init() {}

// kvCostKey groups statement-cost tracking by command name only (the first
// argv element), since K/V commands have no stable pointer identity the way
// prepared SQL statements do.
type kvCostKey string

// SubmitKV implements the K/V path of spec §4.F: simpler than the SQL read
// path because there is no statement identity to prepare and no
// coalescing, just Nagle-style accumulation and a single pipelined flush.
func (s *Scheduler) SubmitKV(ctx context.Context, argv [][]byte) (kvstore.Value, error) {
	entry := &kvEntry{argv: argv, done: make(chan struct{})}
	costKey := kvCostKey(string(argv[0]))

	if s.kvEstimator.Bootstrapping() || s.kvEstimator.Stale() {
		s.singleSendKV(ctx, entry)
		return entry.result.Value, entry.err
	}

	b := &s.kvBatch
	b.mu.Lock()
	if !b.inflight {
		b.inflight = true
		b.mu.Unlock()

		s.singleSendKV(ctx, entry)
		go s.chainFireKV(context.Background())
		return entry.result.Value, entry.err
	}

	first := len(b.entries) == 0
	b.entries = append(b.entries, entry)
	b.accumulatedCost += s.kvEstimator.StatementCost(costKey)
	shouldFireNow := len(b.entries) >= MaxBatchEntries || b.accumulatedCost >= s.kvEstimator.NetworkEMA()
	if first && !shouldFireNow {
		departure := s.kvEstimator.NetworkEMA()
		if departure < minKVDeparture {
			departure = minKVDeparture
		}
		b.timerCancel = s.timer.AfterFunc(departure, func() { go s.chainFireKV(context.Background()) })
	}
	b.mu.Unlock()

	if shouldFireNow {
		go s.chainFireKV(context.Background())
	}

	<-entry.done
	return entry.result.Value, entry.err
}

func (s *Scheduler) singleSendKV(ctx context.Context, entry *kvEntry) {
	defer close(entry.done)

	if err := s.gate.Acquire(ctx); err != nil {
		entry.err = err
		return
	}
	defer s.gate.Release()

	conn := s.kvPool.Next()
	start := time.Now()
	v, err := conn.Exec(entry.argv)
	if err != nil {
		entry.err = err
		return
	}
	entry.result = KVResult{Value: v}

	elapsed := time.Since(start)
	s.kvEstimator.RecordSingle(elapsed)
	s.kvEstimator.RecordStatement(kvCostKey(string(entry.argv[0])), elapsed, 1)
	if s.kvMetrics != nil {
		s.kvMetrics.Sent.Inc()
		s.kvMetrics.RoundTrips.Inc()
		s.kvMetrics.Entries.Observe(1)
	}
}

func (s *Scheduler) chainFireKV(ctx context.Context) {
	b := &s.kvBatch
	for {
		b.mu.Lock()
		if b.timerCancel != nil {
			b.timerCancel()
			b.timerCancel = nil
		}
		if len(b.entries) == 0 {
			b.inflight = false
			b.mu.Unlock()
			return
		}
		entries := b.entries
		b.entries = nil
		b.accumulatedCost = 0
		b.mu.Unlock()

		s.fireKVBatch(ctx, entries)
	}
}

// fireKVBatch sends every accumulated K/V command over one pipelined
// connection and one round trip, distributing replies back in submission
// order (spec §4.D "Pipeline").
func (s *Scheduler) fireKVBatch(ctx context.Context, entries []*kvEntry) {
	fail := func(err error) {
		for _, e := range entries {
			e.err = err
			close(e.done)
		}
	}

	if err := s.gate.Acquire(ctx); err != nil {
		fail(err)
		return
	}
	defer s.gate.Release()

	conn := s.kvPool.Next()
	pipe := conn.Pipeline()
	defer pipe.Close()

	for _, e := range entries {
		pipe.QueueCommand(e.argv)
	}
	start := time.Now()
	if err := pipe.Flush(); err != nil {
		fail(fmt.Errorf("scheduler: kv pipeline flush: %w", err))
		return
	}

	values, err := pipe.ReadResults(len(entries))
	if err != nil {
		fail(err)
		return
	}
	elapsed := time.Since(start)

	for i, e := range entries {
		e.result = KVResult{Value: values[i]}
		s.kvEstimator.RecordStatement(kvCostKey(string(e.argv[0])), elapsed/time.Duration(len(entries)), 1.0/float64(len(entries)))
		close(e.done)
	}
	if len(entries) == 1 {
		s.kvEstimator.RecordSingle(elapsed)
	}
	if s.kvMetrics != nil {
		s.kvMetrics.Sent.Add(float64(len(entries)))
		s.kvMetrics.RoundTrips.Inc()
		s.kvMetrics.Entries.Observe(float64(len(entries)))
	}
}
