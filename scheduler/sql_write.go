package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axis9/dax/sqlstore"
)

// WriteResult is the outcome of one SQL write (spec §4.F "write coalescing").
type WriteResult struct {
	RowsAffected int64
	CommandTag   string

	// Coalesced is true when this result was copied from another write's
	// send rather than produced by this caller's own round trip (spec §4.F
	// "coalesced=true is returned to followers").
	Coalesced bool
}

// writeKey identifies writes eligible for coalescing: same statement, same
// parameters. Only comparable parameter values coalesce; entries whose
// params contain a non-comparable type (slice, map, func) never match and
// simply get their own group.
type writeKey struct {
	stmt   sqlstore.StmtKey
	params string
}

type sqlWriteEntry struct {
	seq    uint64
	key    sqlstore.StmtKey
	sql    string
	params []any

	done   chan struct{}
	result WriteResult
	err    error
}

type sqlWriteBatch struct {
	mu              sync.Mutex
	inflight        bool
	seqNext         uint64
	entries         []*sqlWriteEntry
	groups          map[writeKey][]*sqlWriteEntry // coalescing index for the current accumulation window
	accumulatedCost time.Duration
	timerCancel     func()
}

func (b *sqlWriteBatch) init() {
	b.groups = make(map[writeKey][]*sqlWriteEntry)
}

// SubmitWrite implements spec §4.F's write path: writes to the same
// statement with identical parameters coalesce into a single network send,
// with every follower receiving a copy of the leader's result. Coalesced or
// not, writes within a fired batch execute in submission order (sequence
// number), and each write's onWriteSuccess hook — wired to the invalidation
// graph — runs synchronously before the write returns.
func (s *Scheduler) SubmitWrite(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (WriteResult, error) {
	b := &s.writeBatch

	entry := &sqlWriteEntry{key: key, sql: sql, params: params, done: make(chan struct{})}
	wk := writeKey{stmt: key, params: fmt.Sprint(params)}

	b.mu.Lock()
	entry.seq = b.seqNext
	b.seqNext++

	if members, ok := b.groups[wk]; ok && len(members) > 0 {
		// Coalesce onto the existing group; this entry never enters
		// b.entries directly, it rides the group leader's send and is woken
		// once fireWriteBatch copies the leader's result to every member.
		b.groups[wk] = append(members, entry)
		b.mu.Unlock()
		<-entry.done
		return entry.result, entry.err
	}

	b.groups[wk] = []*sqlWriteEntry{entry}
	b.entries = append(b.entries, entry)
	first := len(b.entries) == 1
	shouldFireNow := len(b.entries) >= MaxBatchEntries
	if !b.inflight {
		b.inflight = true
		shouldFireNow = true
	} else if first && !shouldFireNow {
		b.timerCancel = s.timer.AfterFunc(minSQLWriteDeparture, func() { go s.fireWriteBatch(context.Background()) })
	}
	b.mu.Unlock()

	if shouldFireNow {
		go s.fireWriteBatch(ctx)
	}

	<-entry.done
	return entry.result, entry.err
}

// fireWriteBatch sends every distinct write group queued, ordered by
// sequence number, via a single pipeline round trip, then copies each
// group's leader result to every follower before closing any done channel
// (spec §4.F "followers must observe the leader's result, never the
// leader's live handle").
func (s *Scheduler) fireWriteBatch(ctx context.Context) {
	b := &s.writeBatch

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
	leaders := b.entries
	groups := b.groups
	b.entries = nil
	b.groups = make(map[writeKey][]*sqlWriteEntry)
	b.mu.Unlock()

	sortBySeq(leaders)

	fail := func(err error) {
		for _, leader := range leaders {
			wk := writeKey{stmt: leader.key, params: fmt.Sprint(leader.params)}
			for _, member := range groups[wk] {
				member.err = err
				close(member.done)
			}
		}
		b.mu.Lock()
		b.inflight = false
		b.mu.Unlock()
		s.refireIfPending(ctx)
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

	nPrepares := 0
	for _, leader := range leaders {
		if conn.EnsurePreparedPipelined(leader.key, leader.sql, len(leader.params)) {
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

	for _, leader := range leaders {
		params, perr := encodeParams(leader.params)
		if perr != nil {
			fail(perr)
			_ = conn.ExitPipelineMode()
			return
		}
		if err := conn.SendPreparedPipelined(leader.key, params); err != nil {
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

	results, err := conn.ReadPipelineResults(len(leaders))
	if err != nil {
		fail(err)
		_ = conn.ExitPipelineMode()
		return
	}
	_ = conn.ExitPipelineMode()

	for i, leader := range leaders {
		r := results[i]
		wr := WriteResult{}
		var werr error
		if r.Err != nil {
			werr = r.Err
		} else {
			wr = WriteResult{RowsAffected: r.CommandTag.RowsAffected(), CommandTag: r.CommandTag.String()}
			if s.onWriteSuccess != nil {
				s.onWriteSuccess(ctx, leader.key, leader.params, wr)
			}
		}

		wk := writeKey{stmt: leader.key, params: fmt.Sprint(leader.params)}
		for _, member := range groups[wk] {
			memberResult := wr
			memberResult.Coalesced = member != leader
			member.result = memberResult
			member.err = werr
			close(member.done)
		}
	}

	if s.sqlWriteMetrics != nil {
		total := 0
		for _, g := range groups {
			total += len(g)
		}
		s.sqlWriteMetrics.Sent.Add(float64(total))
		s.sqlWriteMetrics.Coalesced.Add(float64(total - len(leaders)))
		s.sqlWriteMetrics.RoundTrips.Inc()
		s.sqlWriteMetrics.Entries.Observe(float64(len(leaders)))
	}

	b.mu.Lock()
	b.inflight = false
	b.mu.Unlock()
	s.refireIfPending(ctx)
}

// refireIfPending fires another round immediately if writes accumulated
// while the previous batch was in flight, mirroring the read path's
// chaining behavior.
func (s *Scheduler) refireIfPending(ctx context.Context) {
	b := &s.writeBatch
	b.mu.Lock()
	pending := len(b.entries) > 0
	if pending {
		b.inflight = true
	}
	b.mu.Unlock()
	if pending {
		go s.fireWriteBatch(ctx)
	}
}

func sortBySeq(entries []*sqlWriteEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].seq > entries[j].seq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
