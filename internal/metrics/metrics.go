// Package metrics exposes Prometheus instrumentation for the risk engine,
// alert fanout and one-time code flows. A nil *Metrics is a no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch targets.
const (
	TargetRealtime  = "realtime"
	TargetSecondary = "secondary"
)

// Metrics holds all Prometheus metrics for CrowdGuard.
type Metrics struct {
	// Risk checks by resulting level
	RiskChecks *prometheus.CounterVec

	// Score computation latency
	ScoreLatency prometheus.Histogram

	// Reports submitted by category
	ReportsSubmitted *prometheus.CounterVec

	// Contact attempts received by channel
	ContactAttempts *prometheus.CounterVec

	// Alerts appended to inboxes by channel and risk level
	AlertsCreated *prometheus.CounterVec

	// Alerts dropped from full inboxes
	AlertsEvicted prometheus.Counter

	// Alerts the per-user decision step declined to raise
	AlertsSuppressed prometheus.Counter

	// Dispatch outcomes by target and outcome
	Dispatches *prometheus.CounterVec

	// One-time code events by purpose and outcome
	OTPEvents *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RiskChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_risk_checks_total",
			Help: "Total risk checks by resulting risk level",
		}, []string{"level"}),

		ScoreLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdguard_risk_score_duration_seconds",
			Help:    "Duration of risk score computation including the report read",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ReportsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_reports_submitted_total",
			Help: "Total fraud reports submitted by category",
		}, []string{"category"}),

		ContactAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_contact_attempts_total",
			Help: "Total contact attempts evaluated by channel",
		}, []string{"channel"}),

		AlertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_alerts_created_total",
			Help: "Total pending alerts created by channel and risk level",
		}, []string{"channel", "level"}),

		AlertsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crowdguard_alerts_evicted_total",
			Help: "Total pending alerts evicted from full inboxes",
		}),

		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crowdguard_alerts_suppressed_total",
			Help: "Total alerts suppressed because the user marked the sender safe",
		}),

		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_dispatches_total",
			Help: "Total notification dispatches by target and outcome",
		}, []string{"target", "outcome"}), // target: "realtime", "secondary"

		OTPEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_otp_events_total",
			Help: "Total one-time code events by purpose and outcome",
		}, []string{"purpose", "outcome"}),
	}
}

// IncrementRiskCheck records a completed risk check.
func (m *Metrics) IncrementRiskCheck(level string) {
	if m != nil {
		m.RiskChecks.WithLabelValues(level).Inc()
	}
}

// ObserveScoreLatency records how long a score took.
func (m *Metrics) ObserveScoreLatency(d time.Duration) {
	if m != nil {
		m.ScoreLatency.Observe(d.Seconds())
	}
}

// IncrementReport records a submitted report.
func (m *Metrics) IncrementReport(category string) {
	if m != nil {
		m.ReportsSubmitted.WithLabelValues(category).Inc()
	}
}

// IncrementContactAttempt records an evaluated contact attempt.
func (m *Metrics) IncrementContactAttempt(channel string) {
	if m != nil {
		m.ContactAttempts.WithLabelValues(channel).Inc()
	}
}

// IncrementAlert records a created alert and any evictions it caused.
func (m *Metrics) IncrementAlert(channel, level string, evicted int) {
	if m != nil {
		m.AlertsCreated.WithLabelValues(channel, level).Inc()
		m.AlertsEvicted.Add(float64(evicted))
	}
}

// IncrementSuppressed records a suppressed alert.
func (m *Metrics) IncrementSuppressed() {
	if m != nil {
		m.AlertsSuppressed.Inc()
	}
}

// IncrementDispatch records one dispatch outcome.
func (m *Metrics) IncrementDispatch(target, outcome string) {
	if m != nil {
		m.Dispatches.WithLabelValues(target, outcome).Inc()
	}
}

// IncrementOTP records a one-time code event.
func (m *Metrics) IncrementOTP(purpose, outcome string) {
	if m != nil {
		m.OTPEvents.WithLabelValues(purpose, outcome).Inc()
	}
}
