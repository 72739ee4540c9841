// Package invalidation implements dax's cross-repository invalidation
// graph (spec §4.I): a repository declares its invalidation spec as a
// compile-time list of dependency variants, and a successful mutation
// folds sequentially over them before returning to the caller.
//
// Grounded on the teacher's invalidation/service.go (pattern- and
// key-based invalidation, audit trail, metrics) and patterns.go (its
// wildcard/regex matcher, restructured as KeyPatternMatcher and wired
// into ListVia's snapshot-based fallback). The pub/sub broadcast and HTTP
// endpoints the teacher's service.go wrapped this logic in are gone: dax
// is an embedded data-access library, not a standalone invalidation
// microservice, so propagation here is a direct, synchronous call from
// the mutating operation (see DESIGN.md).
package invalidation

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Kind is the mutation that produced an Event.
type Kind int

const (
	Created Kind = iota
	Updated
	Deleted
)

// String renders Kind the way it is recorded in an audit entry's
// TriggeredBy column.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event carries the old/new handles of a mutation to every dependency in a
// repository's invalidation spec (spec §4.I "old?/new? handles").
type Event struct {
	Kind Kind
	Old  any
	New  any
}

// Invalidator is the minimal surface a target cache exposes to the graph:
// evict one key, or an entire pattern/group.
type Invalidator interface {
	InvalidateKey(ctx context.Context, key string) error
	InvalidatePattern(ctx context.Context, pattern string) error
}

// Dependency is one declared edge in a repository's invalidation spec.
// Propagate returns every key it invalidated (or attempted to), so the
// graph can report a complete Keys list to its audit sink.
type Dependency interface {
	Propagate(ctx context.Context, ev Event) (keys []string, err error)
}

// Metrics tracks invalidation counters, mirroring the shape of the
// teacher's invalidation/service.go Metrics struct field for field.
type Metrics struct {
	TotalInvalidations   atomic.Int64
	KeyInvalidations     atomic.Int64
	PatternInvalidations atomic.Int64
	Errors               atomic.Int64
}

// Graph is one repository's ordered invalidation spec plus the audit sink
// and metrics every propagation reports to.
type Graph struct {
	deps    []Dependency
	audit   AuditSink
	metrics *Metrics
	repo    string
}

// NewGraph builds a Graph for repo from an ordered list of dependencies.
// audit may be nil to skip audit logging.
func NewGraph(repo string, audit AuditSink, deps ...Dependency) *Graph {
	return &Graph{repo: repo, deps: deps, audit: audit, metrics: &Metrics{}}
}

// PropagateWithData folds sequentially over every declared dependency,
// awaiting each before the next (spec §4.I "folds ... in declaration
// order ... do not overlap"), and records the outcome to the audit sink.
// The invariant that a subsequent read cannot observe the stale entry is
// satisfied by this call itself being synchronous: the mutating operation
// must await PropagateWithData before returning.
func (g *Graph) PropagateWithData(ctx context.Context, ev Event) error {
	var firstErr error
	var keys []string
	for i, dep := range g.deps {
		touched, err := dep.Propagate(ctx, ev)
		keys = append(keys, touched...)
		if err != nil {
			g.metrics.Errors.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("invalidation: dependency %d of repo %s: %w", i, g.repo, err)
			}
		}
	}
	g.metrics.TotalInvalidations.Add(1)
	if g.audit != nil {
		_ = g.audit.Record(ctx, AuditLog{Repo: g.repo, Keys: keys, TriggeredBy: ev.Kind.String()})
	}
	return firstErr
}

// Metrics returns the graph's running counters.
func (g *Graph) Metrics() *Metrics { return g.metrics }
