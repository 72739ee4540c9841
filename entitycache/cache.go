// Package entitycache implements dax's per-repository entity cache (spec
// §4.H): a sharded concurrent map keyed by entity identity, epoch-based
// reclamation of evicted values, and lazily materialized JSON/binary
// representations charged to the shared GDSF memory counter.
//
// Grounded on the teacher's cache-manager/cache.go L1Cache (map + mutex +
// eviction sweep) generalized from a single global lock to N
// power-of-two shards, and on cache-manager/singleflight.go's
// lock-check-unlock-work discipline for keeping critical sections off the
// network/serialization path.
package entitycache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/axis9/dax/gdsf"
)

// Action is a get visitor's verdict on a looked-up value (spec §4.H).
type Action int

const (
	Accept Action = iota
	Reject
	Evict
)

// Metadata pairs a stored handle with its GDSF bookkeeping.
type Metadata struct {
	Meta gdsf.EntryMeta

	jsonBuf atomic.Pointer[[]byte]
	binBuf  atomic.Pointer[[]byte]
}

// MergeFrom preserves policy state across a put that replaces an existing
// key, per spec §4.H "put installs a new handle ... calls
// metadata.merge_from(old)".
func (m *Metadata) MergeFrom(old *Metadata) {
	if old == nil {
		return
	}
	m.Meta.MergeFrom(&old.Meta)
}

type entry struct {
	key    uint64
	handle any
	meta   *Metadata
}

// Shard is one power-of-two partition of a Cache's key space. It
// implements gdsf.Shard so the policy package's sweep can visit it without
// depending on entitycache's storage representation.
type Shard struct {
	mu      sync.RWMutex
	table   map[uint64]*entry
	retired retireList
	charge  func(delta int64)
}

func newShard(charge func(delta int64)) *Shard {
	return &Shard{table: make(map[uint64]*entry), charge: charge}
}

// Get looks up key and calls visit with the stored handle and metadata;
// visit's returned Action drives what Get does next: Accept returns the
// handle, Reject behaves as a miss, Evict additionally removes the entry
// and retires its handle under the given epoch.
func (s *Shard) Get(key uint64, epoch *Epoch, visit func(handle any, meta *Metadata) Action) (handle any, ok bool) {
	s.mu.RLock()
	e, found := s.table[key]
	s.mu.RUnlock()
	if !found {
		return nil, false
	}

	switch visit(e.handle, e.meta) {
	case Accept:
		e.meta.Meta.Hit()
		return e.handle, true
	case Evict:
		s.mu.Lock()
		if cur, still := s.table[key]; still && cur == e {
			delete(s.table, key)
			s.dischargeLocked(e)
			s.retired.add(epoch.Current(), e.handle)
		}
		s.mu.Unlock()
		return nil, false
	default: // Reject
		return nil, false
	}
}

// Put installs handle under key, merging metadata from any prior entry and
// charging memSize to the shared GDSF counter (net of whatever the
// replaced entry had charged).
func (s *Shard) Put(key uint64, handle any, memSize int64) *Metadata {
	meta := &Metadata{}
	meta.Meta.MemoryUsage.Store(memSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.table[key]
	if existed {
		meta.MergeFrom(old.meta)
		s.dischargeLocked(old)
	}
	s.table[key] = &entry{key: key, handle: handle, meta: meta}
	if s.charge != nil {
		s.charge(memSize)
	}
	return meta
}

// Delete removes key, retiring its handle under epoch for reclamation.
func (s *Shard) Delete(key uint64, epoch *Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[key]
	if !ok {
		return false
	}
	delete(s.table, key)
	s.dischargeLocked(e)
	s.retired.add(epoch.Current(), e.handle)
	return true
}

func (s *Shard) dischargeLocked(e *entry) {
	if s.charge == nil {
		return
	}
	s.charge(-e.meta.Meta.MemoryUsage.Load())
	if p := e.meta.jsonBuf.Load(); p != nil {
		s.charge(-int64(cap(*p)))
	}
	if p := e.meta.binBuf.Load(); p != nil {
		s.charge(-int64(cap(*p)))
	}
}

// Visit implements gdsf.Shard: fn decides keep/evict for every live entry.
func (s *Shard) Visit(fn func(meta *gdsf.EntryMeta) (keep bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.table {
		if !fn(&e.meta.Meta) {
			delete(s.table, k)
			s.dischargeLocked(e)
		}
	}
}

// Reclaim frees every handle retired strictly before epoch's current
// generation, returning the freed count.
func (s *Shard) Reclaim(safeEpoch uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired.collect(safeEpoch)
}

// Len reports the shard's live entry count.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// Cache is one repository's sharded entity cache.
type Cache struct {
	Repo      string
	numShards uint64
	shards    []*Shard
	epoch     *Epoch
	policy    *gdsf.Policy
	variant   gdsf.Variant
	ttl       time.Duration

	loads        singleflight.Group
	sweepLimiter *rate.Limiter
}

// Config configures a new Cache.
type Config struct {
	Repo      string
	NumShards int // must be a power of two
	Policy    *gdsf.Policy
	Variant   gdsf.Variant
	TTL       time.Duration // used when Variant.HasTTL()

	// SweepRate caps how often Sweep actually runs a pass, so a busy
	// worker loop ticking every repository every epoch doesn't spend all
	// its time walking shards. Zero means unlimited.
	SweepRate  rate.Limit
	SweepBurst int
}

// New constructs a per-repository entity Cache with NumShards power-of-two
// partitions, wired to the shared gdsf.Policy for memory accounting and
// eviction scoring.
func New(cfg Config) *Cache {
	n := cfg.NumShards
	if n <= 0 || n&(n-1) != 0 {
		n = 16
	}
	c := &Cache{
		Repo:      cfg.Repo,
		numShards: uint64(n),
		shards:    make([]*Shard, n),
		epoch:     NewEpoch(),
		policy:    cfg.Policy,
		variant:   cfg.Variant,
		ttl:       cfg.TTL,
	}
	for i := range c.shards {
		c.shards[i] = newShard(cfg.Policy.Charge)
	}
	if cfg.SweepRate > 0 {
		c.sweepLimiter = rate.NewLimiter(cfg.SweepRate, cfg.SweepBurst)
	}
	cfg.Policy.Register(cfg.Repo)
	return c
}

func (c *Cache) shardFor(key uint64) *Shard {
	return c.shards[key&(c.numShards-1)]
}

func keyToken(key uint64) string {
	return strconv.FormatUint(key, 10)
}

// AcquireGuard pins the cache's current epoch for the duration of a read,
// so handles returned during the guard's lifetime remain valid even if
// concurrently evicted (spec §4.H).
func (c *Cache) AcquireGuard() *Guard {
	return c.epoch.Acquire()
}

// Get looks up key (a pre-hashed identity, typically from hashKey) under
// guard, applying visit to decide Accept/Reject/Evict.
func (c *Cache) Get(key uint64, guard *Guard, visit func(handle any, meta *Metadata) Action) (any, bool) {
	return c.shardFor(key).Get(key, c.epoch, visit)
}

// Put installs handle under key with memSize bytes charged to the shared
// GDSF counter, and sets a TTL deadline when the cache's variant applies one.
func (c *Cache) Put(key uint64, handle any, memSize int64) *Metadata {
	meta := c.shardFor(key).Put(key, handle, memSize)
	if c.variant.HasTTL() && c.ttl > 0 {
		meta.Meta.TTLExpiration.Store(time.Now().Add(c.ttl).UnixNano())
	}
	meta.Meta.Gen.Store(c.policy.Generation())
	return meta
}

// Delete removes key, retiring its handle for epoch reclamation.
func (c *Cache) Delete(key uint64) bool {
	return c.shardFor(key).Delete(key, c.epoch)
}

// TryAdvanceEpoch attempts to advance the cache's epoch and reclaim
// anything retired strictly before the new generation. Mutating
// operations call this periodically (spec §4.H); it is always safe to
// call, and a no-op when guards are outstanding.
func (c *Cache) TryAdvanceEpoch() (freed int) {
	newEpoch, advanced := c.epoch.TryAdvance()
	if !advanced {
		return 0
	}
	for _, sh := range c.shards {
		freed += sh.Reclaim(newEpoch)
	}
	return freed
}

// Shards exposes the cache's shards as gdsf.Shard for Sweep/Purge.
func (c *Cache) Shards() []gdsf.Shard {
	out := make([]gdsf.Shard, len(c.shards))
	for i, sh := range c.shards {
		out[i] = sh
	}
	return out
}

// Sweep runs one GDSF (or TTL) cleanup pass over every shard, folding
// results into the shared policy's per-repo score, and returns the number
// of entries evicted. If the cache was configured with SweepRate, a sweep
// that arrives faster than the configured rate is skipped rather than run.
func (c *Cache) Sweep() int {
	if c.sweepLimiter != nil && !c.sweepLimiter.Allow() {
		return 0
	}
	return gdsf.SweepRepo(c.Shards(), c.variant, c.policy, c.Repo, time.Now())
}

// GetOrLoad looks up key under guard and, on a miss, coalesces concurrent
// loads for the same key through a single call to load: the first caller
// runs load and populates the cache via Put, every concurrent caller for
// the same key waits and shares that result instead of issuing its own
// origin query. Grounded on the teacher's cache-manager/singleflight.go
// RequestCoalescer, replaced here with the real golang.org/x/sync/singleflight.
func (c *Cache) GetOrLoad(ctx context.Context, key uint64, guard *Guard, visit func(handle any, meta *Metadata) Action, load func(ctx context.Context) (handle any, memSize int64, err error)) (any, error) {
	if handle, ok := c.Get(key, guard, visit); ok {
		return handle, nil
	}

	v, err, _ := c.loads.Do(keyToken(key), func() (any, error) {
		handle, memSize, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, handle, memSize)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Purge unconditionally evicts every entry (test facility, spec §4.G).
func (c *Cache) Purge() int {
	return gdsf.Purge(c.Shards())
}

// Len returns the total live entry count across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.Len()
	}
	return n
}
