package scheduler

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/axis9/dax/sqlstore"
)

// fakeSQLRows is a canned, in-memory sqlRows: no network, no driver.
type fakeSQLRows struct {
	rows [][][]byte
	idx  int
	tag  pgconn.CommandTag
}

func (r *fakeSQLRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeSQLRows) RawValues() ([][]byte, error)  { return r.rows[r.idx-1], nil }
func (r *fakeSQLRows) Err() error                    { return nil }
func (r *fakeSQLRows) Close()                        {}
func (r *fakeSQLRows) CommandTag() pgconn.CommandTag { return r.tag }

// sentCall records one SendPreparedPipelined invocation, in call order.
type sentCall struct {
	key    sqlstore.StmtKey
	params [][]byte
}

// fakeSQLConn is a hand-written sqlConn: it records every pipeline call in
// order and replays a queue of canned PipelineResult values, the same way
// kvstore's tests drive conn.Exec/Pipeline over a net.Pipe fake without a
// real server — except here the fake sits below the scheduler's own narrow
// interface rather than below a net.Conn, since SQL's wire protocol isn't
// something worth hand-rolling a parser for.
type fakeSQLConn struct {
	mu sync.Mutex

	prepared        map[sqlstore.StmtKey]bool
	pendingPrepares int
	sent            []sentCall
	syncCalls       int

	results []sqlstore.PipelineResult // the real per-entry results, queued FIFO

	queryRows sqlRows
	queryErr  error
	queryKeys []sqlstore.StmtKey
}

func newFakeSQLConn() *fakeSQLConn {
	return &fakeSQLConn{prepared: make(map[sqlstore.StmtKey]bool)}
}

func (c *fakeSQLConn) QueryParams(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (sqlRows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryKeys = append(c.queryKeys, key)
	return c.queryRows, c.queryErr
}

func (c *fakeSQLConn) EnterPipelineMode() error { return nil }

func (c *fakeSQLConn) EnsurePreparedPipelined(key sqlstore.StmtKey, sql string, nparams int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prepared[key] {
		return false
	}
	c.prepared[key] = true
	c.pendingPrepares++
	return true
}

func (c *fakeSQLConn) SendPreparedPipelined(key sqlstore.StmtKey, params [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentCall{key: key, params: params})
	return nil
}

func (c *fakeSQLConn) PipelineSync() {
	c.mu.Lock()
	c.syncCalls++
	c.mu.Unlock()
}

func (c *fakeSQLConn) FlushPipeline() error { return nil }

func (c *fakeSQLConn) ReadPipelineResults(n int) ([]sqlstore.PipelineResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPrepares > 0 {
		c.pendingPrepares -= n
		return make([]sqlstore.PipelineResult, n), nil
	}
	out := c.results[:n]
	c.results = c.results[n:]
	return out, nil
}

func (c *fakeSQLConn) ExitPipelineMode() error { return nil }

// fakeSQLGuard/fakeSQLPool wrap a single fakeSQLConn, mirroring
// sqlstore.Guard/Pool's Acquire/Release shape without a real connection.
type fakeSQLGuard struct{ conn *fakeSQLConn }

func (g fakeSQLGuard) Conn() sqlConn { return g.conn }
func (g fakeSQLGuard) Release()      {}

type fakeSQLPool struct {
	conn *fakeSQLConn
	err  error
}

func (p *fakeSQLPool) Acquire(ctx context.Context) (sqlGuard, error) {
	if p.err != nil {
		return nil, p.err
	}
	return fakeSQLGuard{conn: p.conn}, nil
}
