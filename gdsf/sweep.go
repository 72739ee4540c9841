package gdsf

import "time"

// Variant selects which cleanup predicate a shard visit applies (spec §4
// "Cache entry": metadata is selected at compile time from four variants —
// none / TTL-only / GDSF-only / GDSF+TTL).
type Variant int

const (
	// VariantNone applies neither check: a sweep pass never evicts its
	// entries (Delete, a visitor's Evict, or Purge still remove them).
	VariantNone Variant = iota
	VariantTTL
	VariantGDSF
	VariantGDSFTTL
)

// HasTTL reports whether variant applies the TTL-expiration check.
func (v Variant) HasTTL() bool { return v == VariantTTL || v == VariantGDSFTTL }

// HasGDSF reports whether variant applies the score-based eviction check.
func (v Variant) HasGDSF() bool { return v == VariantGDSF || v == VariantGDSFTTL }

// Shard is the minimal surface sweep needs from a concrete entitycache
// shard: iterate every live entry, evicting those the predicate rejects.
// entitycache.Shard implements this directly; Sweep never depends on the
// storage representation beyond this visitor shape.
type Shard interface {
	// Visit calls fn once per live entry's metadata; fn returns true to
	// keep the entry, false to evict it. Visit itself performs the evict.
	Visit(fn func(meta *EntryMeta) (keep bool))
}

// cleanupDecision is the outcome of the GDSF cleanup predicate for one
// entry (spec §4.G numbered steps 1-3).
func cleanupDecision(meta *EntryMeta, variant Variant, threshold, avgConstructionNanos float64, now int64) (keep bool, score float64) {
	if variant.HasTTL() {
		if exp := meta.TTLExpiration.Load(); exp != 0 && now > exp {
			return false, 0
		}
	}
	if variant.HasGDSF() {
		score = meta.Score(avgConstructionNanos)
		if score < threshold {
			return false, score
		}
	}
	return true, score
}

// SweepShard visits one shard under either variant, evicting rejected
// entries and returning the kept count and the average score of kept
// entries, for RepoPolicy.observeSweep to fold in.
func SweepShard(shard Shard, variant Variant, policy *RepoPolicy, pressure float64, now time.Time) (visited, kept int, avgKeptScore float64) {
	threshold := policy.Threshold(pressure)
	avg := policy.AvgConstructionNanos
	nowNanos := now.UnixNano()

	var scoreSum float64
	shard.Visit(func(meta *EntryMeta) bool {
		visited++
		ok, score := cleanupDecision(meta, variant, threshold, avg, nowNanos)
		if ok {
			kept++
			scoreSum += score
		}
		return ok
	})
	if kept > 0 {
		avgKeptScore = scoreSum / float64(kept)
	}
	return visited, kept, avgKeptScore
}

// SweepRepo runs SweepShard over every shard of one repository's cache,
// folds the aggregate kept-ratio and average kept score into the repo's
// RepoPolicy (spec §4.G "Repo score update"), and returns the total
// eviction count for metrics.
func SweepRepo(shards []Shard, variant Variant, policy *Policy, repo string, now time.Time) (evicted int) {
	rp := policy.Register(repo)
	pressure := policy.PressureFactor()

	var totalVisited, totalKept int
	var scoreSum float64
	for _, sh := range shards {
		visited, kept, avgScore := SweepShard(sh, variant, rp, pressure, now)
		totalVisited += visited
		totalKept += kept
		scoreSum += avgScore * float64(kept)
	}
	evicted = totalVisited - totalKept

	var avgKeptScore, keptRatio float64
	if totalKept > 0 {
		avgKeptScore = scoreSum / float64(totalKept)
	}
	if totalVisited > 0 {
		keptRatio = float64(totalKept) / float64(totalVisited)
	}
	policy.ObserveSweep(repo, len(shards), avgKeptScore, keptRatio)
	return evicted
}

// Purge is the test-only facility that visits every shard unconditionally,
// evicting everything regardless of score or TTL (spec §4.G "purge()").
func Purge(shards []Shard) (evicted int) {
	for _, sh := range shards {
		sh.Visit(func(*EntryMeta) bool {
			evicted++
			return false
		})
	}
	return evicted
}
