// Package metrics holds the Prometheus instruments of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every instrument. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	Notifications      *prometheus.CounterVec
	AlertsRaised       *prometheus.CounterVec
	AlertsResolved     *prometheus.CounterVec
	Suppressions       *prometheus.CounterVec
	StateViolations    prometheus.Counter
	ActiveAlerts       prometheus.Gauge
	OpenIncidents      prometheus.Gauge
	EscalationsPending prometheus.Gauge
	TickDuration       prometheus.Histogram
	TicksAbandoned     prometheus.Counter
	Purged             prometheus.Counter
}

// New creates the instruments and registers them with reg. Instruments
// already registered by an earlier call are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_notifications_total",
			Help: "Notification attempts by channel, kind and outcome",
		}, []string{"channel", "kind", "outcome"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_alerts_raised_total",
			Help: "Alerts raised by rule and severity",
		}, []string{"rule", "severity"}),
		AlertsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_alerts_resolved_total",
			Help: "Alerts resolved by rule",
		}, []string{"rule"}),
		Suppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertd_suppressions_total",
			Help: "Alert events withheld from delivery by reason",
		}, []string{"reason"}),
		StateViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_state_violations_total",
			Help: "Dropped transitions that are not edges of the alert state machine",
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertd_active_alerts",
			Help: "Unresolved alerts",
		}),
		OpenIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertd_open_incidents",
			Help: "Open correlation groups",
		}),
		EscalationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertd_escalation_entries_pending",
			Help: "Scheduled escalation steps waiting to fire",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertd_evaluation_tick_seconds",
			Help:    "Duration of threshold evaluation ticks",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		TicksAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_evaluation_ticks_abandoned_total",
			Help: "Evaluation ticks that overran their deadline",
		}),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertd_records_purged_total",
			Help: "Resolved records removed after retention",
		}),
	}

	m.Notifications = register(reg, m.Notifications).(*prometheus.CounterVec)
	m.AlertsRaised = register(reg, m.AlertsRaised).(*prometheus.CounterVec)
	m.AlertsResolved = register(reg, m.AlertsResolved).(*prometheus.CounterVec)
	m.Suppressions = register(reg, m.Suppressions).(*prometheus.CounterVec)
	m.StateViolations = register(reg, m.StateViolations).(prometheus.Counter)
	m.ActiveAlerts = register(reg, m.ActiveAlerts).(prometheus.Gauge)
	m.OpenIncidents = register(reg, m.OpenIncidents).(prometheus.Gauge)
	m.EscalationsPending = register(reg, m.EscalationsPending).(prometheus.Gauge)
	m.TickDuration = register(reg, m.TickDuration).(prometheus.Histogram)
	m.TicksAbandoned = register(reg, m.TicksAbandoned).(prometheus.Counter)
	m.Purged = register(reg, m.Purged).(prometheus.Counter)
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Notification counts one dispatch outcome
func (m *Metrics) Notification(channel, kind, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, kind, outcome).Inc()
}

// Raised counts a new alert
func (m *Metrics) Raised(rule, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(rule, severity).Inc()
}

// Resolved counts a resolved alert
func (m *Metrics) Resolved(rule string) {
	if m == nil {
		return
	}
	m.AlertsResolved.WithLabelValues(rule).Inc()
}

// Suppressed counts a withheld alert event
func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.Suppressions.WithLabelValues(reason).Inc()
}

// Violation counts a dropped transition
func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.StateViolations.Inc()
}

// SetActive records the number of unresolved alerts and open incidents
func (m *Metrics) SetActive(alerts, incidents int) {
	if m == nil {
		return
	}
	m.ActiveAlerts.Set(float64(alerts))
	m.OpenIncidents.Set(float64(incidents))
}

// SetPending records the escalation queue depth
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.EscalationsPending.Set(float64(n))
}

// Tick records an evaluation tick
func (m *Metrics) Tick(seconds float64, abandoned bool) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(seconds)
	if abandoned {
		m.TicksAbandoned.Inc()
	}
}

// AddPurged counts records removed by retention
func (m *Metrics) AddPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Purged.Add(float64(n))
}
