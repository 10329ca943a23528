package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "collector"

// MetricFactory creates and registers metrics in one step.
type MetricFactory struct {
	reg Registers
}

func NewMetricFactory(reg Registers) *MetricFactory {
	return &MetricFactory{reg: reg}
}

func (m *MetricFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	m.reg.MustRegister(c)
	return c
}

// NewTicksTotal counts finished ticks per provider.
// outcome: fetched | skipped | failed
func (m *MetricFactory) NewTicksTotal() *prometheus.CounterVec {
	return m.counterVec("ticks_total", "Collection ticks by outcome", "provider", "outcome")
}

// NewTickDurationSeconds observes the wall time of one tick, fetch through save.
func (m *MetricFactory) NewTickDurationSeconds() *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Tick duration per provider",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
	}, []string{"provider"})
	m.reg.MustRegister(h)
	return h
}

func (m *MetricFactory) NewFetchRequestsTotal() *prometheus.CounterVec {
	return m.counterVec("fetch_requests_total", "Outbound provider requests by status", "provider", "status")
}

func (m *MetricFactory) NewRecordsSavedTotal() *prometheus.CounterVec {
	return m.counterVec("records_saved_total", "Records handed to the sink", "provider")
}

func (m *MetricFactory) NewHeartbeatsTotal() *prometheus.CounterVec {
	return m.counterVec("heartbeats_total", "Heartbeat records synthesized", "provider")
}

// NewRetriesTotal counts retries. stage: tick | save
func (m *MetricFactory) NewRetriesTotal() *prometheus.CounterVec {
	return m.counterVec("retries_total", "Retries by stage", "provider", "stage")
}

func (m *MetricFactory) NewJobsActive() prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Collection jobs currently running",
	})
	m.reg.MustRegister(g)
	return g
}

// NewJobState is 1 for the current scheduler state of a job and 0 for every other state.
func (m *MetricFactory) NewJobState() *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_state",
		Help:      "Current scheduler state per job",
	}, []string{"job", "state"})
	m.reg.MustRegister(g)
	return g
}
