package provider

import (
	dto "github.com/prometheus/client_model/go"
)

// RepoSnapshot reports one registered repository's current counters, a
// compressed stand-in for the teacher's cache-manager/service.go
// GetMetrics/MetricsResponse (hits, misses, hit rate, evictions, size).
// The teacher's HTTP-facing MetricsResponse is not carried over since dax
// exposes no HTTP surface of its own; embedders read this struct and
// publish it however their own service does.
type RepoSnapshot struct {
	Repo        string
	Hits        int64
	Misses      int64
	HitRate     float64
	Admissions  int64
	Evictions   int64
	Expirations int64
	Size        int
}

// Snapshot returns a RepoSnapshot for every registered repository.
func (p *Provider) Snapshot() []RepoSnapshot {
	<-p.mu
	repos := make([]*Repository, 0, len(p.repos))
	for _, r := range p.repos {
		repos = append(repos, r)
	}
	p.mu <- struct{}{}

	out := make([]RepoSnapshot, 0, len(repos))
	for _, r := range repos {
		out = append(out, snapshotRepo(r))
	}
	return out
}

func snapshotRepo(r *Repository) RepoSnapshot {
	s := RepoSnapshot{Repo: r.Name, Size: r.Cache.Len()}
	if r.CacheMetrics == nil {
		return s
	}
	s.Hits = counterValue(r.CacheMetrics.Hits)
	s.Misses = counterValue(r.CacheMetrics.Misses)
	s.Admissions = counterValue(r.CacheMetrics.Admissions)
	s.Evictions = counterValue(r.CacheMetrics.Evictions)
	s.Expirations = counterValue(r.CacheMetrics.Expirations)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// counterValue reads a Prometheus counter's current value without needing a
// registry scrape, the way the teacher reads its own atomic.Int64 fields
// directly in GetMetrics.
func counterValue(c prometheusCounter) int64 {
	if c == nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// prometheusCounter narrows metrics.Cache's field type to just what
// counterValue needs, avoiding a direct prometheus import requirement here.
type prometheusCounter interface {
	Write(*dto.Metric) error
}
