package entitycache

import "sync/atomic"

// Epoch implements the reclamation scheme described in spec §4.H: readers
// take a Guard that pins the current epoch; evicted values are held on a
// shard's retire list until no outstanding Guard references an earlier
// epoch, at which point try_advance_epoch frees them.
//
// Grounded on the same tick/advance shape as gdsf.Policy's generation
// counter (spec §4.G), specialized here to per-shard retire lists instead
// of a global counter.
type Epoch struct {
	current  atomic.Uint64
	guards   atomic.Int64 // count of outstanding guards pinned at the epoch read when they were taken
	minGuard atomic.Uint64
}

// NewEpoch returns an Epoch starting at generation 0.
func NewEpoch() *Epoch {
	e := &Epoch{}
	e.minGuard.Store(0)
	return e
}

// Guard pins the epoch current at the time it was acquired. A pointer
// obtained while holding a Guard remains valid for the Guard's lifetime,
// per spec §4.H.
type Guard struct {
	epoch *Epoch
	at    uint64
}

// Acquire takes a Guard pinned to the current epoch.
func (e *Epoch) Acquire() *Guard {
	at := e.current.Load()
	e.guards.Add(1)
	return &Guard{epoch: e, at: at}
}

// Release drops the Guard. Callers that held the oldest outstanding epoch
// should follow with TryAdvance to give retired values a chance to free.
func (g *Guard) Release() {
	g.epoch.guards.Add(-1)
}

// Epoch returns the generation this guard pinned, for comparison against a
// retire list entry's retiredAt.
func (g *Guard) Epoch() uint64 { return g.at }

// TryAdvance bumps the current epoch if no guard is known to be pinned at
// an older generation. This is a best-effort advance: dax does not track
// per-guard minimums precisely (that would need a registry of live
// guards), so it advances whenever the outstanding guard count is zero,
// which is the common quiescent case a mutating op calls this from.
func (e *Epoch) TryAdvance() (newEpoch uint64, advanced bool) {
	if e.guards.Load() > 0 {
		return e.current.Load(), false
	}
	return e.current.Add(1), true
}

// Current returns the current epoch without pinning it.
func (e *Epoch) Current() uint64 {
	return e.current.Load()
}

// retired is one evicted value held until reclamation is safe.
type retired struct {
	at     uint64
	handle any
}

// retireList accumulates evicted handles per shard; Collect frees every
// entry retired strictly before the given safe epoch.
type retireList struct {
	items []retired
}

func (r *retireList) add(at uint64, handle any) {
	r.items = append(r.items, retired{at: at, handle: handle})
}

// collect drops (and returns the count of) every entry retired at an epoch
// older than safe, compacting the slice in place.
func (r *retireList) collect(safe uint64) int {
	kept := r.items[:0]
	freed := 0
	for _, it := range r.items {
		if it.at < safe {
			freed++
			continue
		}
		kept = append(kept, it)
	}
	r.items = kept
	return freed
}
