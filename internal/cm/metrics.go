package cm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the connection manager's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	completions *prometheus.CounterVec
	transitions *prometheus.CounterVec
	stale       *prometheus.CounterVec
	outstanding *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wlancm_requests_total",
				Help: "Accepted connection manager requests.",
			},
			[]string{"vdev", "kind"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wlancm_completions_total",
				Help: "Delivered request completions by failure reason.",
			},
			[]string{"vdev", "kind", "reason"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wlancm_state_transitions_total",
				Help: "State machine transitions.",
			},
			[]string{"vdev", "from", "to"},
		),
		stale: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wlancm_stale_responses_total",
				Help: "Lower layer responses that no longer matched the active request.",
			},
			[]string{"vdev", "kind"},
		),
		outstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wlancm_outstanding_requests",
				Help: "Requests currently held in the request list.",
			},
			[]string{"vdev", "kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.completions, m.transitions, m.stale, m.outstanding)
	}
	return m
}

func vdevLabel(v VdevID) string { return strconv.Itoa(int(v)) }

func (m *Metrics) requestAdded(v VdevID, k Kind) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(vdevLabel(v), k.String()).Inc()
	m.outstanding.WithLabelValues(vdevLabel(v), k.String()).Inc()
}

func (m *Metrics) completed(v VdevID, k Kind, reason FailReason) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(vdevLabel(v), k.String(), reason.String()).Inc()
	m.outstanding.WithLabelValues(vdevLabel(v), k.String()).Dec()
}

func (m *Metrics) transition(v VdevID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(vdevLabel(v), from, to).Inc()
}

func (m *Metrics) staleResponse(v VdevID, k Kind) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(vdevLabel(v), k.String()).Inc()
}
