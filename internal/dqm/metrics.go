package dqm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hydrogen-dev/hydrogen/infrastructure/metrics"
)

// Metrics carries the DQM-internal Prometheus gauges (queue depth, worker
// busy/idle, supervisor state) in their own registry, and reports query
// outcomes and connection counts into the process-wide
// infrastructure/metrics collectors so the query path shows up alongside
// the Conduit HTTP metrics rather than in a parallel namespace.
type Metrics struct {
	shared   *metrics.Metrics
	registry *prometheus.Registry

	queueDepth   *prometheus.GaugeVec
	workerBusy   *prometheus.GaugeVec
	supervisorUp *prometheus.GaugeVec
}

// NewMetrics builds a Metrics instance whose gauges live in their own
// registry (tests can construct throwaway instances freely) and whose
// query counters feed the shared process-wide collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		shared:   metrics.Global(),
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrogen",
			Subsystem: "dqm",
			Name:      "queue_depth",
			Help:      "Current number of items buffered in one DQM tier.",
		}, []string{"database", "tier"}),
		workerBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrogen",
			Subsystem: "dqm",
			Name:      "worker_busy",
			Help:      "1 if the worker is currently executing a work item, else 0.",
		}, []string{"database", "worker_id"}),
		supervisorUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrogen",
			Subsystem: "dqm",
			Name:      "supervisor_state",
			Help:      "1 if the DQM supervisor is in the Running state, else 0.",
		}, []string{"database"}),
	}
	m.registry.MustRegister(m.queueDepth, m.workerBusy, m.supervisorUp)
	return m
}

// Registry returns the gauge registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveQuery records the outcome and backend latency of one executed
// work item.
func (m *Metrics) ObserveQuery(database, tier string, ok bool, duration time.Duration) {
	m.shared.RecordDatabaseQuery(database, tier, ok, duration)
}

// SetConnections records the live worker-connection count for database.
func (m *Metrics) SetConnections(database string, count int) {
	m.shared.SetDatabaseConnections(database, count)
}

// SetQueueDepth records the current depth of one tier.
func (m *Metrics) SetQueueDepth(database, tier string, depth int) {
	m.queueDepth.WithLabelValues(database, tier).Set(float64(depth))
}

// SetWorkerBusy records whether a worker is currently executing an item.
func (m *Metrics) SetWorkerBusy(database, workerID string, busy bool) {
	v := 0.0
	if busy {
		v = 1.0
	}
	m.workerBusy.WithLabelValues(database, workerID).Set(v)
}

// SetSupervisorRunning records whether a DQM is currently in the Running
// state.
func (m *Metrics) SetSupervisorRunning(database string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.supervisorUp.WithLabelValues(database).Set(v)
}
