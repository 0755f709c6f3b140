package bufferpool

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the cache counters exported to Prometheus.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Reads     prometheus.Counter
	Writes    prometheus.Counter
}

// NewMetrics builds the counters and registers them with reg when it is not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novakf",
			Subsystem: "block_cache",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Hits:      counter("hits_total", "Block lookups served from the cache."),
		Misses:    counter("misses_total", "Block lookups that went to disk."),
		Evictions: counter("evictions_total", "Blocks evicted from the cache."),
		Reads:     counter("reads_total", "Blocks read from disk."),
		Writes:    counter("writes_total", "Blocks written to disk."),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Reads, m.Writes)
	}
	return m
}
