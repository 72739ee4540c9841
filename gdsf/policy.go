// Package gdsf implements dax's Greedy Dual-Size Frequency cache eviction
// policy (spec §4.G): an on-the-fly score computed at sweep time from a
// per-entry access counter, a repository's average construction cost, and
// memory pressure, backed by a striped memory counter shared process-wide.
//
// Grounded on the teacher's cache-manager/cache.go L1Cache (map + eviction
// sweep under a single mutex) and cache-manager/policies.go (pluggable
// eviction strategy shape), generalized from LRU to GDSF scoring.
package gdsf

import (
	"math"
	"sync"
	"sync/atomic"
)

// AccessScale is the fixed-point increment applied to an entry's access
// counter on every cache hit (spec §4.G "access_count += scale (16)").
const AccessScale = 16

// UpdatePenalty shrinks a re-inserted entry's seeded access_count so churn
// erodes score (spec §4.G).
const UpdatePenalty = 0.95

// correctionAlpha is the EMA rate nudging a repo's correction factor toward
// its target kept-ratio after each sweep.
const correctionAlpha = 0.05

// EntryMeta is the per-entry GDSF bookkeeping a cache value carries
// alongside its payload. It is safe for concurrent use: AccessCount is
// bumped with a single atomic add on every hit, never a CAS loop.
type EntryMeta struct {
	AccessCount   atomic.Uint32
	MemoryUsage   atomic.Int64
	Gen           atomic.Uint32
	TTLExpiration atomic.Int64 // unix nanoseconds, 0 = no TTL
}

// MergeFrom seeds this entry's access_count from an evicted predecessor,
// scaled by UpdatePenalty, per spec §4.G "seeded from the old entry's count
// multiplied by update_penalty".
func (m *EntryMeta) MergeFrom(old *EntryMeta) {
	if old == nil {
		return
	}
	seeded := float64(old.AccessCount.Load()) * UpdatePenalty
	m.AccessCount.Store(uint32(seeded))
}

// Hit records one access: a single atomic add, no compare-and-swap.
func (m *EntryMeta) Hit() {
	m.AccessCount.Add(AccessScale)
}

// Score computes spec §4.G's on-the-fly GDSF score:
//
//	score = access_count * repo.avg_construction_time / max(memory_usage, 1)
//
// avgConstructionNanos is the repository's current average construction
// time in nanoseconds (RepoPolicy.AvgConstructionNanos).
func (m *EntryMeta) Score(avgConstructionNanos float64) float64 {
	mem := m.MemoryUsage.Load()
	if mem < 1 {
		mem = 1
	}
	return float64(m.AccessCount.Load()) * avgConstructionNanos / float64(mem)
}

// RepoPolicy is one repository's share of the global GDSF state: its
// converging repo_score and the correction EMA.
type RepoPolicy struct {
	mu sync.Mutex

	AvgConstructionNanos float64
	repoScore            float64
	correction           float64
	ticks                int
}

func newRepoPolicy() *RepoPolicy {
	return &RepoPolicy{correction: 1.0}
}

// Threshold returns the current cleanup threshold for this repository:
// repo_score * correction * pressure_factor() (spec §4.G).
func (r *RepoPolicy) Threshold(pressure float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repoScore * r.correction * pressure
}

// observeSweep folds one shard visit's kept-average score into repo_score
// (converging to the average surviving score) and nudges correction toward
// keptRatio's distance from target via a low-alpha EMA.
func (r *RepoPolicy) observeSweep(shards int, avgKeptScore, keptRatio, targetRatio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shards < 1 {
		shards = 1
	}
	r.repoScore = (r.repoScore*float64(shards-1) + avgKeptScore) / float64(shards)

	// correction moves toward 1 when kept ratio matches target, away from 1
	// (raising or lowering the threshold) when it drifts.
	adjust := 1.0
	if targetRatio > 0 {
		adjust = keptRatio / targetRatio
	}
	r.correction = correctionAlpha*adjust + (1-correctionAlpha)*r.correction
	if r.correction < 0 {
		r.correction = 0
	}
	if r.correction > 10 {
		r.correction = 10
	}
}

// RecordConstruction folds one entity construction's wall-clock cost into
// the repo's running average construction time (simple EMA, alpha 0.1).
func (r *RepoPolicy) RecordConstruction(nanos float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AvgConstructionNanos == 0 {
		r.AvgConstructionNanos = nanos
		return
	}
	r.AvgConstructionNanos = 0.1*nanos + 0.9*r.AvgConstructionNanos
}

func (r *RepoPolicy) tick(numRepos int) (advanceGeneration bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	if r.ticks >= numRepos {
		r.ticks = 0
		return true
	}
	return false
}

// Policy is the global, process-wide GDSF state shared across every worker:
// the striped memory counter and the registered repositories' converging
// scores. Exactly one Policy exists per process (spec §5 "shared across all
// workers").
type Policy struct {
	mu          sync.Mutex
	repos       map[string]*RepoPolicy
	memory      StripedCounter
	maxMemory   int64
	generation  atomic.Uint32
	ticks       int // ticks from all repositories since the last generation advance; guarded by mu
	targetRatio float64
}

// New constructs a Policy with the given memory budget in bytes and target
// kept-ratio (the fraction of visited entries a steady-state sweep should
// keep; used only to steer the correction EMA).
func New(maxMemory int64, targetKeptRatio float64) *Policy {
	return &Policy{
		repos:       make(map[string]*RepoPolicy),
		maxMemory:   maxMemory,
		targetRatio: targetKeptRatio,
	}
}

// Register idempotently registers a repository with the global policy on
// its first access (spec §4.G "guarded by a once-gate").
func (p *Policy) Register(repo string) *RepoPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.repos[repo]
	if !ok {
		rp = newRepoPolicy()
		p.repos[repo] = rp
	}
	return rp
}

// Tick advances repo's per-repo counter; once every registered repository
// has ticked N=num_repos times in aggregate, the global generation
// advances by one (spec §4.G "Registration").
func (p *Policy) Tick(repo string) {
	p.Register(repo)
	p.mu.Lock()
	p.ticks++
	advance := p.ticks >= len(p.repos)
	if advance {
		p.ticks = 0
	}
	p.mu.Unlock()
	if advance {
		p.generation.Add(1)
	}
}

// Generation returns the current global generation counter.
func (p *Policy) Generation() uint32 {
	return p.generation.Load()
}

// Decay returns the lazy per-hit decay factor for an entry last touched at
// gen generations ago, k = min(current_gen - gen, 64) (spec §4.G).
func (p *Policy) Decay(entryGen uint32) float64 {
	cur := p.generation.Load()
	k := cur - entryGen
	if k > 64 {
		k = 64
	}
	// A gentle exponential falloff: each generation of age multiplies the
	// weight by 0.99, and with k capped at 64 a long-cold entry keeps at
	// least 0.99^64 (about 0.53) of its weight rather than being zeroed.
	return math.Pow(0.99, float64(k))
}

// PressureFactor computes clamp((total_memory/MaxMemory)^2, 0, 1) (spec
// §4.G, quadratic ramp). A non-positive MaxMemory means GDSF is disabled for
// this policy (spec §6 "l1_max_memory=0 ⇒ GDSF disabled"): pressure is 0, so
// the cleanup predicate's score check never fires.
func (p *Policy) PressureFactor() float64 {
	if p.maxMemory <= 0 {
		return 0
	}
	ratio := float64(p.memory.Total()) / float64(p.maxMemory)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio * ratio
}

// Charge adds delta (positive on admission, negative on discharge) to the
// shared striped memory counter.
func (p *Policy) Charge(delta int64) {
	p.memory.Add(delta)
}

// TotalMemory returns the current sum across all stripes.
func (p *Policy) TotalMemory() int64 {
	return p.memory.Total()
}

// IsOverBudget reports whether total memory has reached the configured
// budget, triggering a second, stricter sweep pass (spec §4.G "sweep").
func (p *Policy) IsOverBudget() bool {
	return p.maxMemory > 0 && p.memory.Total() >= p.maxMemory
}

// ObserveSweep folds one repository's shard-visit outcome back into its
// converging repo_score and correction EMA.
func (p *Policy) ObserveSweep(repo string, shards int, avgKeptScore, keptRatio float64) {
	rp := p.Register(repo)
	rp.observeSweep(shards, avgKeptScore, keptRatio, p.targetRatio)
}
