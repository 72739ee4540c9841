package scheduler

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/axis9/dax/estimator"
	"github.com/axis9/dax/sqlstore"
)

func newTestSchedulerWithSQL(conn *fakeSQLConn) *Scheduler {
	s := &Scheduler{
		sqlPool:      &fakeSQLPool{conn: conn},
		sqlEstimator: estimator.New(),
		kvEstimator:  estimator.New(),
		gate:         NewGate(4),
		timer:        StdTimer{},
	}
	s.readBatch.init()
	s.writeBatch.init()
	s.kvBatch.init()
	return s
}

// TestSubmitReadBootstrapSendsDirectlyWithoutBatching exercises spec §8's
// "Bootstrap direct send" property: a fresh estimator starts Bootstrapping,
// so SubmitRead must take the single-send path rather than accumulate.
func TestSubmitReadBootstrapSendsDirectlyWithoutBatching(t *testing.T) {
	conn := newFakeSQLConn()
	conn.queryRows = &fakeSQLRows{
		rows: [][][]byte{{[]byte("1"), []byte("widget")}},
		tag:  pgconn.NewCommandTag("SELECT 1"),
	}
	s := newTestSchedulerWithSQL(conn)
	key := sqlstore.Intern("SELECT id, name FROM widgets WHERE id = $1")

	got, err := s.SubmitRead(context.Background(), key, key.SQL(), 1)
	if err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	if len(got.Rows) != 1 || string(got.Rows[0][1]) != "widget" {
		t.Fatalf("got %+v, want one row [1 widget]", got)
	}
	if len(conn.queryKeys) != 1 {
		t.Fatalf("QueryParams called %d times, want 1 (direct send, no pipeline)", len(conn.queryKeys))
	}
}

// TestFireWriteBatchCoalescesGroupedEntries exercises spec §8's "Write
// coalescing correctness" property directly at the fire boundary: two
// entries sharing a writeKey's group must both observe the single leader
// send's result, with Coalesced set only for the follower.
func TestFireWriteBatchCoalescesGroupedEntries(t *testing.T) {
	conn := newFakeSQLConn()
	conn.results = []sqlstore.PipelineResult{
		{CommandTag: pgconn.NewCommandTag("UPDATE 1")},
	}
	s := newTestSchedulerWithSQL(conn)
	key := sqlstore.Intern("UPDATE widgets SET name = $1 WHERE id = $2")

	leader := &sqlWriteEntry{seq: 0, key: key, sql: key.SQL(), params: []any{"a", 1}, done: make(chan struct{})}
	follower := &sqlWriteEntry{seq: 1, key: key, sql: key.SQL(), params: []any{"a", 1}, done: make(chan struct{})}

	wk := writeKey{stmt: key, params: "[a 1]"}
	s.writeBatch.entries = []*sqlWriteEntry{leader}
	s.writeBatch.groups = map[writeKey][]*sqlWriteEntry{wk: {leader, follower}}
	s.writeBatch.inflight = true

	s.fireWriteBatch(context.Background())

	select {
	case <-leader.done:
	default:
		t.Fatal("leader.done was not closed")
	}
	select {
	case <-follower.done:
	default:
		t.Fatal("follower.done was not closed")
	}

	if leader.err != nil || follower.err != nil {
		t.Fatalf("unexpected errors: leader=%v follower=%v", leader.err, follower.err)
	}
	if leader.result.Coalesced {
		t.Fatal("the leader's own result must not be marked Coalesced")
	}
	if !follower.result.Coalesced {
		t.Fatal("the follower's result must be marked Coalesced")
	}
	if leader.result.CommandTag != follower.result.CommandTag {
		t.Fatalf("follower must observe the leader's result verbatim: leader=%q follower=%q",
			leader.result.CommandTag, follower.result.CommandTag)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("SendPreparedPipelined called %d times, want 1 (one send per group, not per entry)", len(conn.sent))
	}
}

// TestFireWriteBatchOrdersBySequenceNumber exercises spec §8's "Pipeline
// ordering" property: entries queued out of submission order must still be
// sent to the wire in ascending sequence order.
func TestFireWriteBatchOrdersBySequenceNumber(t *testing.T) {
	conn := newFakeSQLConn()
	keyA := sqlstore.Intern("UPDATE a SET x = $1 WHERE id = $2")
	keyB := sqlstore.Intern("UPDATE b SET x = $1 WHERE id = $2")
	keyC := sqlstore.Intern("UPDATE c SET x = $1 WHERE id = $2")
	conn.results = []sqlstore.PipelineResult{
		{CommandTag: pgconn.NewCommandTag("UPDATE 1")},
		{CommandTag: pgconn.NewCommandTag("UPDATE 1")},
		{CommandTag: pgconn.NewCommandTag("UPDATE 1")},
	}
	s := newTestSchedulerWithSQL(conn)

	eC := &sqlWriteEntry{seq: 2, key: keyC, sql: keyC.SQL(), params: []any{1, 1}, done: make(chan struct{})}
	eA := &sqlWriteEntry{seq: 0, key: keyA, sql: keyA.SQL(), params: []any{1, 1}, done: make(chan struct{})}
	eB := &sqlWriteEntry{seq: 1, key: keyB, sql: keyB.SQL(), params: []any{1, 1}, done: make(chan struct{})}

	// Entries deliberately appended out of sequence order.
	s.writeBatch.entries = []*sqlWriteEntry{eC, eA, eB}
	s.writeBatch.groups = map[writeKey][]*sqlWriteEntry{
		{stmt: keyC, params: "[1 1]"}: {eC},
		{stmt: keyA, params: "[1 1]"}: {eA},
		{stmt: keyB, params: "[1 1]"}: {eB},
	}
	s.writeBatch.inflight = true

	s.fireWriteBatch(context.Background())

	if len(conn.sent) != 3 {
		t.Fatalf("sent %d commands, want 3", len(conn.sent))
	}
	if conn.sent[0].key != keyA || conn.sent[1].key != keyB || conn.sent[2].key != keyC {
		t.Fatalf("sent order = [%v %v %v], want [A B C] (ascending sequence)",
			conn.sent[0].key, conn.sent[1].key, conn.sent[2].key)
	}
}

// TestFireReadBatchPreparesOnceThenSendsInGivenOrder exercises the read
// path's pipeline segmentation: a statement seen for the first time queues
// one PREPARE ahead of any query sends, and sends happen in the order
// entries were accumulated.
func TestFireReadBatchPreparesOnceThenSendsInGivenOrder(t *testing.T) {
	conn := newFakeSQLConn()
	key := sqlstore.Intern("SELECT * FROM widgets WHERE id = $1")
	conn.results = []sqlstore.PipelineResult{
		{CommandTag: pgconn.NewCommandTag("SELECT 1")},
		{CommandTag: pgconn.NewCommandTag("SELECT 1")},
	}
	s := newTestSchedulerWithSQL(conn)

	e1 := &sqlReadEntry{key: key, sql: key.SQL(), params: []any{1}, done: make(chan struct{})}
	e2 := &sqlReadEntry{key: key, sql: key.SQL(), params: []any{2}, done: make(chan struct{})}

	s.fireReadBatch(context.Background(), []*sqlReadEntry{e1, e2})

	if conn.pendingPrepares != 0 {
		t.Fatalf("pendingPrepares = %d, want 0 after the batch fires", conn.pendingPrepares)
	}
	if len(conn.sent) != 2 {
		t.Fatalf("sent %d segments, want 2 (one per entry, same already-prepared statement)", len(conn.sent))
	}
	if string(conn.sent[0].params[0]) != "1" || string(conn.sent[1].params[0]) != "2" {
		t.Fatalf("sent params = [%s %s], want [1 2] (accumulation order)", conn.sent[0].params[0], conn.sent[1].params[0])
	}
	if e1.err != nil || e2.err != nil {
		t.Fatalf("unexpected errors: e1=%v e2=%v", e1.err, e2.err)
	}
	select {
	case <-e1.done:
	default:
		t.Fatal("e1.done was not closed")
	}
	select {
	case <-e2.done:
	default:
		t.Fatal("e2.done was not closed")
	}
}

// TestFireWriteBatchPropagatesPerEntryError exercises the failure path: a
// pipeline segment error surfaces on the entry whose segment failed.
func TestFireWriteBatchPropagatesPerEntryError(t *testing.T) {
	conn := newFakeSQLConn()
	key := sqlstore.Intern("UPDATE widgets SET name = $1 WHERE id = $2")
	wantErr := sqlstore.PipelineResult{Err: context.DeadlineExceeded}
	conn.results = []sqlstore.PipelineResult{wantErr}
	s := newTestSchedulerWithSQL(conn)

	entry := &sqlWriteEntry{seq: 0, key: key, sql: key.SQL(), params: []any{"a", 1}, done: make(chan struct{})}
	wk := writeKey{stmt: key, params: "[a 1]"}
	s.writeBatch.entries = []*sqlWriteEntry{entry}
	s.writeBatch.groups = map[writeKey][]*sqlWriteEntry{wk: {entry}}
	s.writeBatch.inflight = true

	s.fireWriteBatch(context.Background())

	if entry.err == nil {
		t.Fatal("expected the pipeline segment's error to surface on the entry")
	}
}
