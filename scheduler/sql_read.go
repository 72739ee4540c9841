package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axis9/dax/sqlstore"
)

// ReadResult is the materialized result of one SQL read segment.
type ReadResult struct {
	Rows       [][][]byte
	CommandTag string
}

type sqlReadEntry struct {
	key    sqlstore.StmtKey
	sql    string
	params []any

	done   chan struct{}
	result ReadResult
	err    error
}

type sqlReadBatch struct {
	mu              sync.Mutex
	inflight        bool
	entries         []*sqlReadEntry
	accumulatedCost time.Duration
	timerCancel     func()
}

func (b *sqlReadBatch) init() {}

// SubmitRead implements spec §4.F's submission algorithm for the SQL read
// store: bootstrap/stale entries bypass batching; the first caller while
// idle becomes the Nagle leader and sends immediately; everyone else
// accumulates and suspends until the batch fires.
func (s *Scheduler) SubmitRead(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (ReadResult, error) {
	entry := &sqlReadEntry{key: key, sql: sql, params: params, done: make(chan struct{})}

	if s.sqlEstimator.Bootstrapping() || s.sqlEstimator.Stale() {
		s.singleSendRead(ctx, entry)
		return entry.result, entry.err
	}

	b := &s.readBatch
	b.mu.Lock()
	if !b.inflight {
		b.inflight = true
		b.mu.Unlock()

		s.singleSendRead(ctx, entry) // the "Nagle leader"
		go s.chainFireRead(context.Background())
		return entry.result, entry.err
	}

	first := len(b.entries) == 0
	b.entries = append(b.entries, entry)
	b.accumulatedCost += s.sqlEstimator.StatementCost(key)
	shouldFireNow := len(b.entries) >= MaxBatchEntries || b.accumulatedCost >= s.sqlEstimator.NetworkEMA()
	if first && !shouldFireNow {
		departure := s.sqlEstimator.NetworkEMA()
		if departure < minSQLReadDeparture {
			departure = minSQLReadDeparture
		}
		b.timerCancel = s.timer.AfterFunc(departure, func() { go s.chainFireRead(context.Background()) })
	}
	b.mu.Unlock()

	if shouldFireNow {
		go s.chainFireRead(context.Background())
	}

	<-entry.done
	return entry.result, entry.err
}

// singleSendRead sends one entry immediately on its own connection, used by
// the bootstrap/staleness direct path and by the Nagle leader.
func (s *Scheduler) singleSendRead(ctx context.Context, entry *sqlReadEntry) {
	defer close(entry.done)

	if err := s.gate.Acquire(ctx); err != nil {
		entry.err = err
		return
	}
	defer s.gate.Release()

	guard, err := s.sqlPool.Acquire(ctx)
	if err != nil {
		entry.err = fmt.Errorf("scheduler: acquire sql conn: %w", err)
		return
	}
	defer guard.Release()

	start := time.Now()
	rows, err := guard.Conn().QueryParams(ctx, entry.key, entry.sql, entry.params...)
	if err != nil {
		entry.err = err
		return
	}
	defer rows.Close()

	var raw [][][]byte
	for rows.Next() {
		vals, rerr := rows.RawValues()
		if rerr != nil {
			entry.err = rerr
			return
		}
		raw = append(raw, vals)
	}
	if err := rows.Err(); err != nil {
		entry.err = err
		return
	}
	entry.result = ReadResult{Rows: raw, CommandTag: rows.CommandTag().String()}

	s.sqlEstimator.RecordSingle(time.Since(start))
	s.sqlEstimator.RecordStatement(entry.key, time.Since(start), 1)
	if s.sqlReadMetrics != nil {
		s.sqlReadMetrics.Sent.Inc()
		s.sqlReadMetrics.RoundTrips.Inc()
		s.sqlReadMetrics.Entries.Observe(1)
	}
}

// chainFireRead drains whatever accumulated in the read batch, firing
// generation after generation until nothing new has arrived, then clears
// the inflight flag (spec §4.F "Chaining").
func (s *Scheduler) chainFireRead(ctx context.Context) {
	b := &s.readBatch
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

		s.fireReadBatch(ctx, entries)
	}
}

// fireReadBatch implements spec §4.F "Firing a SQL read batch": acquire the
// gate and a connection, enter pipeline mode, emit one segment per entry
// (MVP: no ANY($1) grouping, per spec's explicit deferral), flush, read
// prepare acks then segment results, exit pipeline mode, distribute results.
func (s *Scheduler) fireReadBatch(ctx context.Context, entries []*sqlReadEntry) {
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

	guard, err := s.sqlPool.Acquire(ctx)
	if err != nil {
		fail(fmt.Errorf("scheduler: acquire sql conn: %w", err))
		return
	}
	defer guard.Release()
	conn := guard.Conn()

	if err := conn.EnterPipelineMode(); err != nil {
		fail(err)
		return
	}

	// Phase 1: queue every still-unprepared statement's PREPARE first, so the
	// result stream groups cleanly into "n_prepares acks, then n_segments
	// query results" per spec §4.F, rather than interleaving prepare acks
	// between query results in send order.
	nPrepares := 0
	for _, e := range entries {
		if conn.EnsurePreparedPipelined(e.key, e.sql, len(e.params)) {
			nPrepares++
			conn.PipelineSync()
		}
	}
	if nPrepares > 0 {
		if err := conn.FlushPipeline(); err != nil {
			fail(err)
			_ = conn.ExitPipelineMode()
			return
		}
		if _, err := conn.ReadPipelineResults(nPrepares); err != nil {
			fail(err)
			_ = conn.ExitPipelineMode()
			return
		}
	}

	// Phase 2: queue every query now that all statements are prepared.
	for _, e := range entries {
		params, perr := encodeParams(e.params)
		if perr != nil {
			fail(perr)
			_ = conn.ExitPipelineMode()
			return
		}
		if err := conn.SendPreparedPipelined(e.key, params); err != nil {
			fail(err)
			_ = conn.ExitPipelineMode()
			return
		}
		conn.PipelineSync()
	}

	if err := conn.FlushPipeline(); err != nil {
		fail(err)
		_ = conn.ExitPipelineMode()
		return
	}

	results, err := conn.ReadPipelineResults(len(entries))
	if err != nil {
		fail(err)
		_ = conn.ExitPipelineMode()
		return
	}

	_ = conn.ExitPipelineMode()

	for i, e := range entries {
		r := results[i]
		if r.Err != nil {
			e.err = r.Err
		} else {
			e.result = ReadResult{Rows: r.Rows, CommandTag: r.CommandTag.String()}
		}
		s.sqlEstimator.RecordStatement(e.key, r.ProcessingTime, 1.0/float64(len(entries)))
		close(e.done)
	}
	if len(entries) == 1 {
		s.sqlEstimator.RecordSingle(results[0].ProcessingTime)
	}
	if s.sqlReadMetrics != nil {
		s.sqlReadMetrics.Sent.Add(float64(len(entries)))
		s.sqlReadMetrics.RoundTrips.Inc()
		s.sqlReadMetrics.Entries.Observe(float64(len(entries)))
	}
}

// encodeParams renders params in PostgreSQL text format (format code 0) per
// spec §6, matching the wire shape ensure_prepared_pipelined/
// send_prepared_pipelined expect.
func encodeParams(params []any) ([][]byte, error) {
	out := make([][]byte, len(params))
	for i, p := range params {
		if p == nil {
			continue
		}
		out[i] = []byte(fmt.Sprint(p))
	}
	return out, nil
}
