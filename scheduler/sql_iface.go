package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/axis9/dax/sqlstore"
)

// sqlRows is the minimal result-set surface the read path needs from a
// pgx.Rows: enough for singleSendRead to materialize raw column bytes
// without depending on the full driver interface.
type sqlRows interface {
	Next() bool
	RawValues() ([][]byte, error)
	Err() error
	Close()
	CommandTag() pgconn.CommandTag
}

// sqlConn is the minimal connection surface the Batch Scheduler needs from a
// SQL connection: parameterized reads and the pipeline protocol. Narrowing
// this down from *sqlstore.Conn's full method set is what lets fireReadBatch
// and fireWriteBatch run against a hand-written fake in tests, the same way
// kvstore.Conn's net.Conn field lets kvstore's tests run over net.Pipe.
type sqlConn interface {
	QueryParams(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (sqlRows, error)
	EnterPipelineMode() error
	EnsurePreparedPipelined(key sqlstore.StmtKey, sql string, nparams int) bool
	SendPreparedPipelined(key sqlstore.StmtKey, params [][]byte) error
	PipelineSync()
	FlushPipeline() error
	ReadPipelineResults(n int) ([]sqlstore.PipelineResult, error)
	ExitPipelineMode() error
}

// sqlGuard releases a connection back to its pool exactly once.
type sqlGuard interface {
	Conn() sqlConn
	Release()
}

// sqlPool acquires a sqlConn for the duration of one batch fire or single
// send.
type sqlPool interface {
	Acquire(ctx context.Context) (sqlGuard, error)
}

// poolAdapter is the seam between the real *sqlstore.Pool and the
// Scheduler's narrow view of it: Config.SQLPool stays a concrete
// *sqlstore.Pool for embedders (provider.go), and New wraps it here.
type poolAdapter struct {
	pool *sqlstore.Pool
}

func (a poolAdapter) Acquire(ctx context.Context) (sqlGuard, error) {
	g, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return guardAdapter{g}, nil
}

type guardAdapter struct {
	guard *sqlstore.Guard
}

func (a guardAdapter) Conn() sqlConn { return connAdapter{a.guard.Conn()} }
func (a guardAdapter) Release()      { a.guard.Release() }

type connAdapter struct {
	conn *sqlstore.Conn
}

func (a connAdapter) QueryParams(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (sqlRows, error) {
	return a.conn.QueryParams(ctx, key, sql, params...)
}

func (a connAdapter) EnterPipelineMode() error { return a.conn.EnterPipelineMode() }

func (a connAdapter) EnsurePreparedPipelined(key sqlstore.StmtKey, sql string, nparams int) bool {
	return a.conn.EnsurePreparedPipelined(key, sql, nparams)
}

func (a connAdapter) SendPreparedPipelined(key sqlstore.StmtKey, params [][]byte) error {
	return a.conn.SendPreparedPipelined(key, params)
}

func (a connAdapter) PipelineSync()        { a.conn.PipelineSync() }
func (a connAdapter) FlushPipeline() error { return a.conn.FlushPipeline() }

func (a connAdapter) ReadPipelineResults(n int) ([]sqlstore.PipelineResult, error) {
	return a.conn.ReadPipelineResults(n)
}

func (a connAdapter) ExitPipelineMode() error { return a.conn.ExitPipelineMode() }
