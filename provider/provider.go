// Package provider implements dax's process-wide facade over a fixed pool
// of workers, each owning one event loop, one SQL pool, one K/V pool, and
// one Batch Scheduler (spec §4.J).
//
// Grounded on the teacher's warming/worker_pool.go (a fixed goroutine pool
// reading a task channel, with a stop channel for shutdown) generalized
// from "N goroutines draining one queue" to "N independently addressable
// workers", since dax must route a call to *the* worker whose SQL/K/V
// connections and batch state it is allowed to touch, not just any free
// goroutine.
package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/axis9/dax/entitycache"
	"github.com/axis9/dax/eventloop"
	"github.com/axis9/dax/gdsf"
	"github.com/axis9/dax/internal/metrics"
	"github.com/axis9/dax/invalidation"
	"github.com/axis9/dax/kvstore"
	"github.com/axis9/dax/scheduler"
	"github.com/axis9/dax/sqlstore"
)

// Worker owns one loop, one SQL pool, one K/V pool, and one Batch
// Scheduler, exclusively (spec §5 "no cross-worker borrowing").
type Worker struct {
	ID        int
	Loop      *eventloop.Loop
	SQL       *sqlstore.Pool
	KV        *kvstore.Pool
	Scheduler *scheduler.Scheduler
}

// workerKey is the context key a caller uses to pin a request to a
// specific worker, approximating the thread-local dispatch of spec §4.J in
// a language with no real thread-local storage.
type workerKey struct{}

// WithWorker returns a context bound to worker w, so calls issued through
// it route to w's Scheduler instead of falling back to worker 0.
func WithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// Config configures a Provider.
type Config struct {
	NumWorkers       int
	SQLConnString    string
	SQLPoolSize      int
	KVNetwork        string
	KVAddr           string
	KVConnsPerWorker int
	MaxConcurrent    int64
	MaxMemory        int64 // GDSF global memory budget in bytes
	TargetKeptRatio  float64
	Poller           func() (eventloop.Poller, error)
	Registerer       prometheus.Registerer // optional; nil disables metric registration
}

// Provider is the process-wide facade {query, query_params, execute,
// kv_exec, has_kv, initialized} from spec §4.J, plus repository
// registration for the entity cache and invalidation graph.
type Provider struct {
	workers    []*Worker
	policy     *gdsf.Policy
	registerer prometheus.Registerer

	mu    chan struct{} // binary mutex for repos map, held briefly
	repos map[string]*Repository

	writeHooksMu chan struct{}
	writeHooks   map[sqlstore.StmtKey]func(ctx context.Context, params []any, result scheduler.WriteResult)

	initialized bool
}

// Repository is one registered repository's runtime state: its entity
// cache and invalidation graph, keyed by name.
type Repository struct {
	Name         string
	Cache        *entitycache.Cache
	Graph        *invalidation.Graph
	CacheMetrics *metrics.Cache
}

// New initializes a Provider with cfg.NumWorkers workers, each with its own
// loop, SQL pool, and K/V pool (if KVAddr is set), and starts every loop's
// Run on its own goroutine.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Poller == nil {
		return nil, fmt.Errorf("provider: Config.Poller is required")
	}

	p := &Provider{
		policy:       gdsf.New(cfg.MaxMemory, cfg.TargetKeptRatio),
		registerer:   cfg.Registerer,
		mu:           make(chan struct{}, 1),
		repos:        make(map[string]*Repository),
		writeHooksMu: make(chan struct{}, 1),
		writeHooks:   make(map[sqlstore.StmtKey]func(ctx context.Context, params []any, result scheduler.WriteResult)),
	}
	p.mu <- struct{}{}
	p.writeHooksMu <- struct{}{}

	for i := 0; i < cfg.NumWorkers; i++ {
		poller, err := cfg.Poller()
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("provider: worker %d poller: %w", i, err)
		}
		loop, err := eventloop.New(poller)
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("provider: worker %d loop: %w", i, err)
		}

		sqlPool := sqlstore.NewPool(cfg.SQLConnString, cfg.SQLPoolSize)

		var kvPool *kvstore.Pool
		if cfg.KVAddr != "" {
			n := cfg.KVConnsPerWorker
			if n <= 0 {
				n = 4
			}
			kvPool, err = kvstore.DialPool(cfg.KVNetwork, cfg.KVAddr, n)
			if err != nil {
				p.Stop()
				return nil, fmt.Errorf("provider: worker %d kv pool: %w", i, err)
			}
		}

		w := &Worker{ID: i, Loop: loop, SQL: sqlPool, KV: kvPool}
		w.Scheduler = scheduler.New(scheduler.Config{
			SQLPool:        sqlPool,
			KVPool:         kvPool,
			MaxConcurrent:  cfg.MaxConcurrent,
			Timer:          loopTimer{loop: loop},
			OnWriteSuccess: p.onWriteSuccess,
		})
		p.workers = append(p.workers, w)

		go func(l *eventloop.Loop) { _ = l.Run() }(loop)
	}

	p.initialized = true
	return p, nil
}

// workerFor implements spec §4.J's thread-local dispatch with fallback:
// a context bound via WithWorker routes to its worker, anything else falls
// back to worker 0.
func (p *Provider) workerFor(ctx context.Context) *Worker {
	if w, ok := ctx.Value(workerKey{}).(*Worker); ok && w != nil {
		return w
	}
	return p.workers[0]
}

// HasKV reports whether any worker was configured with a K/V pool.
func (p *Provider) HasKV() bool {
	return len(p.workers) > 0 && p.workers[0].KV != nil
}

// Query runs an unparameterized, unbatched SQL query via the dispatched
// worker's connection pool directly (spec §4.J "query").
func (p *Provider) Query(ctx context.Context, sql string) (rows [][][]byte, err error) {
	w := p.workerFor(ctx)
	guard, err := w.SQL.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	r, err := guard.Conn().Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		vals, rerr := r.RawValues()
		if rerr != nil {
			return nil, rerr
		}
		rows = append(rows, vals)
	}
	return rows, r.Err()
}

// QueryParams runs a parameterized, auto-prepared read through the
// dispatched worker's Batch Scheduler (spec §4.J "query_params").
func (p *Provider) QueryParams(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (scheduler.ReadResult, error) {
	w := p.workerFor(ctx)
	return w.Scheduler.SubmitRead(ctx, key, sql, params...)
}

// Execute runs a parameterized write through the dispatched worker's Batch
// Scheduler (spec §4.J "execute").
func (p *Provider) Execute(ctx context.Context, key sqlstore.StmtKey, sql string, params ...any) (scheduler.WriteResult, error) {
	w := p.workerFor(ctx)
	return w.Scheduler.SubmitWrite(ctx, key, sql, params...)
}

// KVExec runs one K/V command through the dispatched worker's Batch
// Scheduler (spec §4.J "kv_exec").
func (p *Provider) KVExec(ctx context.Context, argv [][]byte) (kvstore.Value, error) {
	w := p.workerFor(ctx)
	if w.KV == nil {
		return kvstore.Value{}, fmt.Errorf("provider: worker %d has no kv pool", w.ID)
	}
	return w.Scheduler.SubmitKV(ctx, argv)
}

// BindWrite associates key's writes with hook, invoked synchronously after
// the write succeeds and before any waiter observes the result, so a
// repository's invalidation graph runs inside the write's own scheduling
// window (spec §4.I's atomicity invariant).
func (p *Provider) BindWrite(key sqlstore.StmtKey, hook func(ctx context.Context, params []any, result scheduler.WriteResult)) {
	<-p.writeHooksMu
	p.writeHooks[key] = hook
	p.writeHooksMu <- struct{}{}
}

func (p *Provider) onWriteSuccess(ctx context.Context, key sqlstore.StmtKey, params []any, result scheduler.WriteResult) {
	<-p.writeHooksMu
	hook := p.writeHooks[key]
	p.writeHooksMu <- struct{}{}
	if hook != nil {
		hook(ctx, params, result)
	}
}

// RepoConfig configures one repository's entity cache at Register time.
type RepoConfig struct {
	Variant    gdsf.Variant
	NumShards  int
	TTL        time.Duration
	SweepRate  rate.Limit // caps background Sweep frequency; 0 = unlimited
	SweepBurst int
}

// Register binds name's entity cache and invalidation graph into the
// Provider, idempotently creating the cache under the shared GDSF policy.
func (p *Provider) Register(name string, cfg RepoConfig, graph *invalidation.Graph) *Repository {
	<-p.mu
	defer func() { p.mu <- struct{}{} }()

	if r, ok := p.repos[name]; ok {
		return r
	}
	cache := entitycache.New(entitycache.Config{
		Repo:       name,
		NumShards:  cfg.NumShards,
		Policy:     p.policy,
		Variant:    cfg.Variant,
		TTL:        cfg.TTL,
		SweepRate:  cfg.SweepRate,
		SweepBurst: cfg.SweepBurst,
	})
	r := &Repository{
		Name:         name,
		Cache:        cache,
		Graph:        graph,
		CacheMetrics: metrics.NewCache(p.registerer, name),
	}
	p.repos[name] = r
	return r
}

// Get looks up key in the repository's entity cache under guard, recording
// a hit or miss against CacheMetrics.
func (r *Repository) Get(key uint64, guard *entitycache.Guard, visit func(handle any, meta *entitycache.Metadata) entitycache.Action) (any, bool) {
	handle, ok := r.Cache.Get(key, guard, visit)
	if r.CacheMetrics != nil {
		if ok {
			r.CacheMetrics.Hits.Inc()
		} else {
			r.CacheMetrics.Misses.Inc()
		}
	}
	return handle, ok
}

// Put installs handle under key, recording an admission against
// CacheMetrics.
func (r *Repository) Put(key uint64, handle any, memSize int64) *entitycache.Metadata {
	meta := r.Cache.Put(key, handle, memSize)
	if r.CacheMetrics != nil {
		r.CacheMetrics.Admissions.Inc()
	}
	return meta
}

// Sweep runs one eviction pass over the repository's cache, recording the
// evicted count against CacheMetrics.
func (r *Repository) Sweep() int {
	n := r.Cache.Sweep()
	if r.CacheMetrics != nil && n > 0 {
		r.CacheMetrics.Evictions.Add(float64(n))
	}
	return n
}

// Repo returns a previously Register-ed repository, or nil.
func (p *Provider) Repo(name string) *Repository {
	<-p.mu
	defer func() { p.mu <- struct{}{} }()
	return p.repos[name]
}

// Policy returns the process-wide GDSF policy shared by every registered
// repository's cache.
func (p *Provider) Policy() *gdsf.Policy { return p.policy }

// Stop requests every worker's loop to exit, closes its pools, and marks
// the Provider uninitialized (spec §4.J "stop()").
func (p *Provider) Stop() {
	for _, w := range p.workers {
		if w.Loop != nil {
			w.Loop.Stop()
			_ = w.Loop.Close()
		}
		if w.SQL != nil {
			_ = w.SQL.Close(context.Background())
		}
		if w.KV != nil {
			_ = w.KV.Close()
		}
	}
	p.initialized = false
}

// Reset restores uninitialized state (spec §4.J "reset()", test-only).
func (p *Provider) Reset() {
	p.Stop()
	p.workers = nil
	<-p.mu
	p.repos = make(map[string]*Repository)
	p.mu <- struct{}{}
}

// Initialized reports whether the Provider has a live worker pool.
func (p *Provider) Initialized() bool { return p.initialized }
