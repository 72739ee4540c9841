// Package metrics exposes dax's counters as Prometheus collectors. Field
// names mirror the teacher's atomic.Int64 Metrics structs
// (cache-manager/service.go, invalidation/service.go) one for one; this
// package just gives each field a registerable home instead of a private
// struct.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cache holds the per-repository entity cache counters.
type Cache struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Admissions  prometheus.Counter
	Evictions   prometheus.Counter
	Expirations prometheus.Counter
}

// NewCache builds and registers a Cache collector set labeled by repo name.
// Registration failures (duplicate repo) are ignored the way the teacher's
// sync.Once-guarded initService swallows repeat calls.
func NewCache(reg prometheus.Registerer, repo string) *Cache {
	c := &Cache{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_cache_hits_total", ConstLabels: prometheus.Labels{"repo": repo},
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_cache_misses_total", ConstLabels: prometheus.Labels{"repo": repo},
		}),
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_cache_admissions_total", ConstLabels: prometheus.Labels{"repo": repo},
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_cache_evictions_total", ConstLabels: prometheus.Labels{"repo": repo},
		}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_cache_expirations_total", ConstLabels: prometheus.Labels{"repo": repo},
		}),
	}
	if reg != nil {
		for _, c2 := range []prometheus.Collector{c.Hits, c.Misses, c.Admissions, c.Evictions, c.Expirations} {
			_ = reg.Register(c2) // AlreadyRegisteredError is benign on re-init
		}
	}
	return c
}

// Batch holds the per-store scheduler counters.
type Batch struct {
	Sent       prometheus.Counter
	Coalesced  prometheus.Counter
	Entries    prometheus.Histogram
	RoundTrips prometheus.Counter
}

// NewBatch builds and registers a Batch collector set labeled by store name.
func NewBatch(reg prometheus.Registerer, store string) *Batch {
	b := &Batch{
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_batch_entries_sent_total", ConstLabels: prometheus.Labels{"store": store},
		}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_batch_writes_coalesced_total", ConstLabels: prometheus.Labels{"store": store},
		}),
		Entries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dax_batch_size_entries", ConstLabels: prometheus.Labels{"store": store},
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dax_batch_round_trips_total", ConstLabels: prometheus.Labels{"store": store},
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{b.Sent, b.Coalesced, b.Entries, b.RoundTrips} {
			_ = reg.Register(c)
		}
	}
	return b
}
