package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-local Prometheus instrumentation the Supervisor
// wires into the Listener and Balancer. Counters and gauges only, no
// histograms.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	balancerInUse       *prometheus.GaugeVec
}

// NewMetrics registers the counters/gauges against reg. Safe to call at
// most once per registerer; instantiated per Supervisor rather than as
// package globals so tests can build independent Supervisors without
// colliding registrations.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "netdispatch_connections_accepted_total",
			Help: "Total inbound SOCKS5 connections accepted across all listeners.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netdispatch_connections_active",
			Help: "Current number of sessions that have not yet reached the Closed phase.",
		}),
		balancerInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netdispatch_balancer_inuse",
			Help: "Current in_use count per configured outbound interface.",
		}, []string{"source", "family"}),
	}
}

// ConnectionAccepted implements listener.Metrics.
func (m *Metrics) ConnectionAccepted() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed implements listener.Metrics.
func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

// ObserveBalancer snapshots the pool's per-interface in_use counts. The
// Supervisor calls this after every Acquire/Release-triggering event so the
// gauge never drifts from the pool's own bookkeeping.
func (m *Metrics) ObserveBalancer(source, family string, inUse uint32) {
	m.balancerInUse.WithLabelValues(source, family).Set(float64(inUse))
}
