package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the engine with Prometheus collectors under the
// "dipeo" namespace.
type Metrics struct {
	ActiveExecutions prometheus.Gauge
	Executions       *prometheus.CounterVec
	Nodes            *prometheus.CounterVec
	NodeDuration     *prometheus.HistogramVec
	Skips            *prometheus.CounterVec
	Retries          prometheus.Counter
}

// NewMetrics creates and registers the engine's collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "active_executions",
			Help:      "Executions currently running.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		Nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "nodes_total",
			Help:      "Node runs by node type and outcome.",
		}, []string{"node_type", "outcome"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Handler wall time by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"node_type"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "node_skips_total",
			Help:      "Skipped nodes by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dipeo",
			Subsystem: "engine",
			Name:      "handler_retries_total",
			Help:      "Handler retry attempts.",
		}),
	}

	collectors := []prometheus.Collector{
		m.ActiveExecutions, m.Executions, m.Nodes,
		m.NodeDuration, m.Skips, m.Retries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
