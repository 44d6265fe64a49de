package hdcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gohdcp"
	subsystem = "hdcp"
)

// Label names for HDCP metrics.
const (
	labelDirection = "direction"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelResult    = "result"
)

// -------------------------------------------------------------------------
// Collector: Prometheus HDCP Metrics
// -------------------------------------------------------------------------

// Collector holds all HDCP Prometheus metrics and implements
// hdcp.MetricsReporter.
//
// Every metric carries a direction label ("tx" or "rx"):
//   - State transition counters record FSM changes for alerting.
//   - Authentication and link check counters split by result.
//   - The authenticated gauge is 1 while the engine is authenticated.
type Collector struct {
	// StateTransitions counts FSM state transitions labeled with the old
	// and new state.
	StateTransitions *prometheus.CounterVec

	// Authentications counts completed authentication attempts by result.
	Authentications *prometheus.CounterVec

	// LinkChecks counts link integrity checks by result.
	LinkChecks *prometheus.CounterVec

	// ReadFailures counts failed register transfers.
	ReadFailures *prometheus.CounterVec

	// RiUpdates counts Ri values published by a receiver.
	RiUpdates *prometheus.CounterVec

	// Authenticated is 1 while the engine is authenticated.
	Authenticated *prometheus.GaugeVec
}

var _ hdcp.MetricsReporter = (*Collector)(nil)

// NewCollector creates a Collector with all HDCP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "gohdcp_hdcp_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.StateTransitions,
		c.Authentications,
		c.LinkChecks,
		c.ReadFailures,
		c.RiUpdates,
		c.Authenticated,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	dirLabels := []string{labelDirection}
	resultLabels := []string{labelDirection, labelResult}
	transitionLabels := []string{labelDirection, labelFromState, labelToState}

	return &Collector{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total HDCP FSM state transitions.",
		}, transitionLabels),

		Authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "authentications_total",
			Help:      "Total HDCP authentication attempts by result.",
		}, resultLabels),

		LinkChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_checks_total",
			Help:      "Total HDCP link integrity checks by result.",
		}, resultLabels),

		ReadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "register_failures_total",
			Help:      "Total failed HDCP register transfers.",
		}, dirLabels),

		RiUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ri_updates_total",
			Help:      "Total Ri values published by the receiver.",
		}, dirLabels),

		Authenticated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "authenticated",
			Help:      "Whether the HDCP engine is authenticated (1) or not (0).",
		}, dirLabels),
	}
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(direction, from, to string) {
	c.StateTransitions.WithLabelValues(direction, from, to).Inc()
}

// SetAuthenticated sets the authenticated gauge.
func (c *Collector) SetAuthenticated(direction string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	c.Authenticated.WithLabelValues(direction).Set(v)
}

// -------------------------------------------------------------------------
// Counters
// -------------------------------------------------------------------------

// IncAuthentications counts an authentication result.
func (c *Collector) IncAuthentications(direction, result string) {
	c.Authentications.WithLabelValues(direction, result).Inc()
}

// IncLinkChecks counts a link integrity check result.
func (c *Collector) IncLinkChecks(direction, result string) {
	c.LinkChecks.WithLabelValues(direction, result).Inc()
}

// IncReadFailures counts a failed register transfer.
func (c *Collector) IncReadFailures(direction string) {
	c.ReadFailures.WithLabelValues(direction).Inc()
}

// IncRiUpdates counts a published Ri value.
func (c *Collector) IncRiUpdates(direction string) {
	c.RiUpdates.WithLabelValues(direction).Inc()
}
