package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CollectorMetrics groups the self metrics of the collection engine.
type CollectorMetrics struct {
	Ticks        *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	Fetches      *prometheus.CounterVec
	RecordsSaved *prometheus.CounterVec
	Heartbeats   *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobState     *prometheus.GaugeVec
}

func NewCollectorMetrics(f *MetricFactory) *CollectorMetrics {
	return &CollectorMetrics{
		Ticks:        f.NewTicksTotal(),
		TickDuration: f.NewTickDurationSeconds(),
		Fetches:      f.NewFetchRequestsTotal(),
		RecordsSaved: f.NewRecordsSavedTotal(),
		Heartbeats:   f.NewHeartbeatsTotal(),
		Retries:      f.NewRetriesTotal(),
		JobsActive:   f.NewJobsActive(),
		JobState:     f.NewJobState(),
	}
}

// NewNopMetrics registers on a private registry, for tests and embedders that do not export metrics.
func NewNopMetrics() *CollectorMetrics {
	return NewCollectorMetrics(NewMetricFactory(NewPromRegistry(prometheus.NewRegistry())))
}

// SetJobState marks state as the only active state of job.
func (c *CollectorMetrics) SetJobState(job, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.JobState.WithLabelValues(job, s).Set(v)
	}
}
