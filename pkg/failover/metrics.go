package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the prometheus collectors of the failover subsystem.
// Construct once, call Register, then hand it to the controller and
// monitor configurations.
type Metrics struct {
	role                   *prometheus.GaugeVec
	healthy                prometheus.Gauge
	transitions            *prometheus.CounterVec
	advertisementsSent     prometheus.Counter
	advertisementsReceived prometheus.Counter
	splitBrainObservations prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{}

	m.role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failover_role",
			Help: "Current node role (1 for the active role, 0 otherwise)",
		},
		[]string{"role"},
	)

	m.healthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_healthy",
			Help: "Whether the local service health check currently passes",
		},
	)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_transitions_total",
			Help: "Total number of role transitions by triggering condition",
		},
		[]string{"condition"},
	)

	m.advertisementsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_advertisements_sent_total",
			Help: "Total number of advertisements sent to peers",
		},
	)

	m.advertisementsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_advertisements_received_total",
			Help: "Total number of advertisements received from peers",
		},
	)

	m.splitBrainObservations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_split_brain_observations_total",
			Help: "Total number of times another master was observed " +
				"while being master",
		},
	)

	m.healthy.Set(1)

	return m
}

func (m *Metrics) Register(registerer prometheus.Registerer) {
	registerer.MustRegister(m.role)
	registerer.MustRegister(m.healthy)
	registerer.MustRegister(m.transitions)
	registerer.MustRegister(m.advertisementsSent)
	registerer.MustRegister(m.advertisementsReceived)
	registerer.MustRegister(m.splitBrainObservations)
}

func (m *Metrics) SetRole(role Role) {
	for _, r := range []Role{RoleInit, RoleBackup, RoleMaster, RoleFault} {
		value := 0.0
		if r == role {
			value = 1.0
		}

		m.role.WithLabelValues(string(r)).Set(value)
	}
}

func (m *Metrics) SetHealthy(healthy bool) {
	if healthy {
		m.healthy.Set(1)
	} else {
		m.healthy.Set(0)
	}
}

func (m *Metrics) Transition(condition Condition) {
	m.transitions.WithLabelValues(string(condition)).Inc()
}

func (m *Metrics) AdvertisementSent() {
	m.advertisementsSent.Inc()
}

func (m *Metrics) AdvertisementReceived() {
	m.advertisementsReceived.Inc()
}

func (m *Metrics) SplitBrainObserved() {
	m.splitBrainObservations.Inc()
}
