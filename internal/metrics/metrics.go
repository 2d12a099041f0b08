// Package metrics exposes the Prometheus instruments of the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for case builds and analysis. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Build latency by mode
	BuildDuration *prometheus.HistogramVec

	// Alias merges by reason
	Merges *prometheus.CounterVec

	// Skipped batch rows by kind
	SkippedRows *prometheus.CounterVec

	// Hypotheses by type and severity
	Hypotheses *prometheus.CounterVec

	// Alerts by severity
	Alerts *prometheus.CounterVec

	// Pair scoring latency
	PairScoreDuration prometheus.Histogram

	// Collaborator retries by operation
	Retries *prometheus.CounterVec
}

// New registers the instruments with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harrier_build_duration_seconds",
			Help:    "Duration of case builds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}), // mode: "full", "incremental"

		Merges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_alias_merges_total",
			Help: "Total alias merges by reason",
		}, []string{"reason"}),

		SkippedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_skipped_rows_total",
			Help: "Total batch rows skipped by record kind",
		}, []string{"kind"}),

		Hypotheses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_hypotheses_total",
			Help: "Total hypotheses by type and severity",
		}, []string{"type", "severity"}),

		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_alerts_total",
			Help: "Total alerts raised by severity",
		}, []string{"severity"}),

		PairScoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harrier_pair_score_duration_seconds",
			Help:    "Duration of pairwise risk scoring including evidence reads",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harrier_collaborator_retries_total",
			Help: "Total retries of collaborator calls after connectivity errors",
		}, []string{"op"}),
	}
}

// ObserveBuild records the duration of a build.
func (m *Metrics) ObserveBuild(incremental bool, d time.Duration) {
	if m == nil {
		return
	}
	mode := "full"
	if incremental {
		mode = "incremental"
	}
	m.BuildDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// IncrementMerge records an alias merge.
func (m *Metrics) IncrementMerge(reason string) {
	if m != nil {
		m.Merges.WithLabelValues(reason).Inc()
	}
}

// AddSkipped records skipped rows of a kind.
func (m *Metrics) AddSkipped(kind string, n int) {
	if m != nil && n > 0 {
		m.SkippedRows.WithLabelValues(kind).Add(float64(n))
	}
}

// IncrementHypothesis records a generated hypothesis.
func (m *Metrics) IncrementHypothesis(typ, severity string) {
	if m != nil {
		m.Hypotheses.WithLabelValues(typ, severity).Inc()
	}
}

// IncrementAlert records a raised alert.
func (m *Metrics) IncrementAlert(severity string) {
	if m != nil {
		m.Alerts.WithLabelValues(severity).Inc()
	}
}

// ObservePairScore records the duration of a pair score.
func (m *Metrics) ObservePairScore(d time.Duration) {
	if m != nil {
		m.PairScoreDuration.Observe(d.Seconds())
	}
}

// IncrementRetry records a retried collaborator call.
func (m *Metrics) IncrementRetry(op string) {
	if m != nil {
		m.Retries.WithLabelValues(op).Inc()
	}
}
