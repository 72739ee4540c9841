// Package sqlstore implements dax's SQL connection and bounded pool (spec
// §4.C): a non-blocking connection over github.com/jackc/pgx/v5 with
// auto-prepared statements and an explicit pipeline mode with sync-point
// segmentation, plus a bounded pool grounded in the FIFO-waiter / idle-stack
// shape of github.com/jackc/puddle/v2 (already an indirect dependency of the
// teacher via encore.dev/storage/sqldb).
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PipelineResult is one query segment's outcome from ReadPipelineResults.
// Prepare acknowledgments count toward ReadPipelineResults' n but produce no
// PipelineResult.
type PipelineResult struct {
	Rows           [][][]byte
	Fields         []pgconn.FieldDescription
	CommandTag     pgconn.CommandTag
	Err            error
	ProcessingTime time.Duration // wall-clock since the previous segment completed
}

// Conn is a single, non-blocking SQL connection with auto-prepare and
// pipeline mode. Conn is not safe for concurrent use — it is owned
// exclusively by one worker's Batch Scheduler at a time (spec §5).
type Conn struct {
	pg       *pgx.Conn
	prepared map[StmtKey]string // prepared name per statement, for this connection's lifetime

	pipeline   *pgconn.Pipeline
	pipelineAt time.Time // start of the current unfinished segment, for ProcessingTime
	prepSeq    uint64
}

// Connect opens a non-blocking connection to connString.
func Connect(ctx context.Context, connString string) (*Conn, error) {
	pg, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	return &Conn{pg: pg, prepared: make(map[StmtKey]string)}, nil
}

// Close releases the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.pg.Close(ctx)
}

// IsClosed reports whether the connection has been observed broken and
// should be discarded by the owning Pool rather than reused.
func (c *Conn) IsClosed() bool {
	return c.pg.IsClosed()
}

// Query runs an unparameterized statement, one statement, one result, per
// spec §4.C.
func (c *Conn) Query(ctx context.Context, sql string) (pgx.Rows, error) {
	rows, err := c.pg.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	return rows, nil
}

// QueryParams auto-PREPAREs key's statement on first use for this
// connection's lifetime, then executes it with params.
func (c *Conn) QueryParams(ctx context.Context, key StmtKey, sql string, params ...any) (pgx.Rows, error) {
	name, err := c.ensurePrepared(ctx, key, sql)
	if err != nil {
		return nil, err
	}
	rows, err := c.pg.Query(ctx, name, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query_params: %w", err)
	}
	return rows, nil
}

// Exec runs a parameterized write statement outside pipeline mode, returning
// affected row count.
func (c *Conn) Exec(ctx context.Context, key StmtKey, sql string, params ...any) (int64, error) {
	name, err := c.ensurePrepared(ctx, key, sql)
	if err != nil {
		return 0, err
	}
	tag, err := c.pg.Exec(ctx, name, params...)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *Conn) ensurePrepared(ctx context.Context, key StmtKey, sql string) (string, error) {
	if name, ok := c.prepared[key]; ok {
		return name, nil
	}
	name := fmt.Sprintf("dax_%p", key)
	if _, err := c.pg.Prepare(ctx, name, sql); err != nil {
		return "", fmt.Errorf("sqlstore: prepare %s: %w", name, err)
	}
	c.prepared[key] = name
	return name, nil
}

// EnterPipelineMode begins a pipeline: subsequent Ensure/Send/Sync calls
// queue on the wire without waiting for individual round trips.
func (c *Conn) EnterPipelineMode() error {
	if c.pipeline != nil {
		return fmt.Errorf("sqlstore: already in pipeline mode")
	}
	c.pipeline = c.pg.PgConn().Pipeline()
	c.pipelineAt = time.Now()
	return nil
}

// EnsurePreparedPipelined queues a PREPARE for key's statement if it has not
// already been prepared on this connection, returning true iff a prepare was
// queued (the caller must then account for one extra result in
// ReadPipelineResults' n_prepares).
func (c *Conn) EnsurePreparedPipelined(key StmtKey, sql string, nparams int) bool {
	if _, ok := c.prepared[key]; ok {
		return false
	}
	name := fmt.Sprintf("dax_%p", key)
	c.pipeline.SendPrepare(name, sql, nil)
	c.prepared[key] = name
	return true
}

// SendPreparedPipelined queues execution of key's prepared statement with
// params, text-format, per spec §6 ("parameters are transmitted in text
// format").
func (c *Conn) SendPreparedPipelined(key StmtKey, params [][]byte) error {
	name, ok := c.prepared[key]
	if !ok {
		return fmt.Errorf("sqlstore: statement not prepared in this pipeline")
	}
	formats := make([]int16, len(params))
	c.pipeline.SendQueryPrepared(name, params, formats)
	return nil
}

// PipelineSync queues a sync point, segmenting the pipeline.
func (c *Conn) PipelineSync() {
	c.pipeline.Sync()
}

// FlushPipeline sends everything queued so far without waiting for results.
func (c *Conn) FlushPipeline() error {
	if err := c.pipeline.Flush(); err != nil {
		return fmt.Errorf("sqlstore: flush pipeline: %w", err)
	}
	return nil
}

// ReadPipelineResults reads exactly n segment results (prepares, queries,
// and the sync markers between them are all consumed transparently). Each
// result's ProcessingTime is the wall-clock interval since the previous
// segment completed, feeding the timing estimator (spec §4.E).
func (c *Conn) ReadPipelineResults(n int) ([]PipelineResult, error) {
	results := make([]PipelineResult, 0, n)
	last := c.pipelineAt
	consumed := 0
	for consumed < n {
		res, err := c.pipeline.GetResults()
		if err != nil {
			return results, fmt.Errorf("sqlstore: pipeline results: %w", err)
		}
		switch r := res.(type) {
		case *pgconn.ResultReader:
			result := r.Read()
			now := time.Now()
			results = append(results, PipelineResult{
				Rows:           result.Rows,
				Fields:         result.FieldDescriptions,
				CommandTag:     result.CommandTag,
				Err:            result.Err,
				ProcessingTime: now.Sub(last),
			})
			last = now
			consumed++
		case *pgconn.StatementDescription:
			// PREPARE acknowledgment: counts as one consumed segment but
			// carries no query result.
			consumed++
		case *pgconn.PipelineSync:
			// Sync marker does not count as a segment.
		case nil:
			return results, fmt.Errorf("sqlstore: pipeline exhausted before %d results", n)
		}
	}
	return results, nil
}

// ExitPipelineMode closes the pipeline. Quiet on error: failures here are
// reported by the caller's batch-fire error path, not raised again.
func (c *Conn) ExitPipelineMode() error {
	if c.pipeline == nil {
		return nil
	}
	err := c.pipeline.Close()
	c.pipeline = nil
	return err
}
