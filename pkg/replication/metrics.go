package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobs             *prometheus.CounterVec
	bytesTransferred prometheus.Counter
	cyclesSkipped    prometheus.Counter
	lagSeconds       prometheus.Gauge
	lagAlert         prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{}

	m.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replication_jobs_total",
			Help: "Total number of finished replication jobs by status",
		},
		[]string{"status"},
	)

	m.bytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_bytes_transferred_total",
			Help: "Total number of diff bytes sent to the peer",
		},
	)

	m.cyclesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replication_cycles_skipped_total",
			Help: "Total number of cycles skipped because the previous " +
				"one was still running",
		},
	)

	m.lagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replication_lag_seconds",
			Help: "Age of the latest snapshot applied on the standby",
		},
	)

	m.lagAlert = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replication_lag_alert",
			Help: "Whether the replication lag currently exceeds the " +
				"alert threshold",
		},
	)

	return m
}

func (m *Metrics) Register(registerer prometheus.Registerer) {
	registerer.MustRegister(m.jobs)
	registerer.MustRegister(m.bytesTransferred)
	registerer.MustRegister(m.cyclesSkipped)
	registerer.MustRegister(m.lagSeconds)
	registerer.MustRegister(m.lagAlert)
}

func (m *Metrics) JobFinished(status JobStatus, nbBytes int64) {
	m.jobs.WithLabelValues(string(status)).Inc()

	if status == JobStatusSucceeded {
		m.bytesTransferred.Add(float64(nbBytes))
	}
}

func (m *Metrics) CycleSkipped() {
	m.cyclesSkipped.Inc()
}

func (m *Metrics) SetLag(lag time.Duration, alerting bool) {
	m.lagSeconds.Set(lag.Seconds())

	if alerting {
		m.lagAlert.Set(1)
	} else {
		m.lagAlert.Set(0)
	}
}
