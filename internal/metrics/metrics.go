// Package metrics defines the prometheus collectors the server facade
// registers for cache hit/miss, worker-pool size and active connection
// count. No HTTP exporter is wired (kept out of this core's scope per
// spec.md §1), but the collector types are the real
// prometheus/client_golang ones, grounded in moby-moby's daemon-wide
// use of the same package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors a Server registers on construction.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	PoolWorkers    prometheus.Gauge
	PoolIdle       prometheus.Gauge
	Connections    prometheus.Gauge
}

// New builds a fresh, unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd", Subsystem: "cache", Name: "hits_total",
			Help: "Number of cache Get calls that found a value.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd", Subsystem: "cache", Name: "misses_total",
			Help: "Number of cache Get calls that found nothing.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd", Subsystem: "cache", Name: "evictions_total",
			Help: "Number of entries evicted to satisfy the byte budget.",
		}),
		PoolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvd", Subsystem: "pool", Name: "workers",
			Help: "Current number of live worker goroutines.",
		}),
		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvd", Subsystem: "pool", Name: "idle_workers",
			Help: "Current number of idle worker goroutines.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvd", Subsystem: "reactor", Name: "connections",
			Help: "Current number of registered client connections.",
		}),
	}
}

// MustRegister registers every collector against reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheEvictions, m.PoolWorkers, m.PoolIdle, m.Connections)
}
