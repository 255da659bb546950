package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the store with Prometheus collectors under the
// "dipeo" namespace.
type Metrics struct {
	CacheEntries    prometheus.Gauge
	Checkpoints     prometheus.Counter
	Evictions       prometheus.Counter
	DuplicateEvents prometheus.Counter
	EventsDropped   prometheus.Counter
	PersistErrors   prometheus.Counter
}

// NewMetrics creates and registers the store's collectors. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "cache_entries",
			Help:      "Executions currently held in the state cache.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "checkpoints_total",
			Help:      "Durable state writes, including write-throughs and flushes.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Cache entries evicted under memory pressure.",
		}),
		DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "duplicate_events_total",
			Help:      "Events discarded by (execution_id, seq) idempotency.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "events_dropped_total",
			Help:      "Events dropped for executions not present in the store.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "store",
			Name:      "persist_errors_total",
			Help:      "Failed durable writes.",
		}),
	}

	collectors := []prometheus.Collector{
		m.CacheEntries, m.Checkpoints, m.Evictions,
		m.DuplicateEvents, m.EventsDropped, m.PersistErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
