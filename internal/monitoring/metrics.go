package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/subscout/internal/model"
)

// Metrics holds the Prometheus collectors for the detection pipeline.
//
// Metrics:
//   - subscout_extractions_total{provider,method}
//   - subscout_provider_errors_total{provider,status}
//   - subscout_prefilter_total{outcome}
//   - subscout_reconcile_units_total{outcome}
//   - subscout_detection_queue_size
//   - subscout_pending_candidates
//   - subscout_safe_mode{reason}
//   - subscout_governor_unchanged_streak
type Metrics struct {
	Extractions       *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	Prefilter         *prometheus.CounterVec
	ReconcileUnits    *prometheus.CounterVec
	QueueSize         prometheus.Gauge
	PendingCandidates prometheus.Gauge
	SafeMode          *prometheus.GaugeVec
	UnchangedStreak   prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Extractions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscout_extractions_total",
				Help: "Receipts extracted, by provider lane and parsing method",
			},
			[]string{"provider", "method"},
		),
		ProviderErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscout_provider_errors_total",
				Help: "Provider calls that failed after retries, by HTTP status (0 for network)",
			},
			[]string{"provider", "status"},
		),
		Prefilter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscout_prefilter_total",
				Help: "Pre-filter decisions",
			},
			[]string{"outcome"}, // "kept", "filtered", "skipped", "failed"
		),
		ReconcileUnits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscout_reconcile_units_total",
				Help: "Candidate engine units by outcome",
			},
			[]string{"outcome"},
		),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "subscout_detection_queue_size",
			Help: "Eligible receipts awaiting detection",
		}),
		PendingCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "subscout_pending_candidates",
			Help: "Candidates awaiting user action",
		}),
		SafeMode: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subscout_safe_mode",
				Help: "1 while safe mode is enabled, labelled by reason",
			},
			[]string{"reason"},
		),
		UnchangedStreak: f.NewGauge(prometheus.GaugeOpts{
			Name: "subscout_governor_unchanged_streak",
			Help: "Consecutive cycles with a similar queue size",
		}),
	}
}

// ObserveExtraction counts one extraction result.
func (m *Metrics) ObserveExtraction(provider string, method model.ParsingMethod) {
	m.Extractions.WithLabelValues(provider, string(method)).Inc()
}

// ObserveProviderError counts one provider failure.
func (m *Metrics) ObserveProviderError(provider string, status int) {
	m.ProviderErrors.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// ObservePrefilter adds n decisions for outcome.
func (m *Metrics) ObservePrefilter(outcome string, n int) {
	if n > 0 {
		m.Prefilter.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveReconcile adds n units for outcome.
func (m *Metrics) ObserveReconcile(outcome string, n int) {
	if n > 0 {
		m.ReconcileUnits.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveGovernance mirrors the governance record into gauges.
func (m *Metrics) ObserveGovernance(g model.PipelineGovernance) {
	m.SafeMode.Reset()
	if g.SafeModeEnabled {
		m.SafeMode.WithLabelValues(g.Reason).Set(1)
	}
	m.QueueSize.Set(float64(g.LastQueueSize))
	m.UnchangedStreak.Set(float64(g.UnchangedStreak))
}

// ObserveSnapshot mirrors a collected snapshot into gauges.
func (m *Metrics) ObserveSnapshot(s *MetricsSnapshot) {
	m.QueueSize.Set(float64(s.EligibleQueue))
	m.PendingCandidates.Set(float64(s.PendingCandidates))
	m.UnchangedStreak.Set(float64(s.UnchangedStreak))
	m.SafeMode.Reset()
	if s.SafeModeEnabled {
		m.SafeMode.WithLabelValues(s.SafeModeReason).Set(1)
	}
}
