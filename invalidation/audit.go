package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axis9/dax/sqlstore"
)

// AuditLog is one recorded invalidation event (spec §4.I supplements the
// teacher's compliance-oriented audit trail from invalidation/audit.go,
// narrowed from a full pub/sub event record to what a graph propagation
// actually knows: the repository, a correlation ID, and which keys were
// touched).
type AuditLog struct {
	Repo        string
	Keys        []string
	TriggeredBy string
	RequestID   string
	Timestamp   time.Time
	LatencyMS   int64
}

// AuditSink persists invalidation audit entries. The SQL-backed
// implementation below is grounded directly on the teacher's
// invalidation/audit.go AuditLogger, replacing encore.dev/storage/sqldb
// with dax's own sqlstore.Pool.
type AuditSink interface {
	Record(ctx context.Context, log AuditLog) error
}

var (
	insertAuditStmt = sqlstore.Intern(`
		INSERT INTO invalidation_audit (pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`)
)

// SQLAuditSink persists audit entries to Postgres via a sqlstore.Pool,
// append-only, matching the teacher's immutability design note.
type SQLAuditSink struct {
	pool *sqlstore.Pool
}

// NewSQLAuditSink wraps pool as an AuditSink. The embedder is responsible
// for having created the invalidation_audit table with the columns
// insertAuditStmt writes (pattern, keys, triggered_by, timestamp,
// request_id, latency_ms).
func NewSQLAuditSink(pool *sqlstore.Pool) *SQLAuditSink {
	return &SQLAuditSink{pool: pool}
}

func (s *SQLAuditSink) Record(ctx context.Context, log AuditLog) error {
	if log.RequestID == "" {
		log.RequestID = uuid.NewString()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("invalidation: marshal audit keys: %w", err)
	}

	guard, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("invalidation: acquire audit conn: %w", err)
	}
	defer guard.Release()

	_, err = guard.Conn().Exec(ctx, insertAuditStmt, insertAuditStmt.SQL(),
		log.Repo, keysJSON, log.TriggeredBy, log.Timestamp, log.RequestID, log.LatencyMS)
	if err != nil {
		return fmt.Errorf("invalidation: insert audit log: %w", err)
	}
	return nil
}

// NoopAuditSink discards every entry; useful for tests and for embedders
// that do not need an audit trail.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(context.Context, AuditLog) error { return nil }
