package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels runs that emitted a report.
	OutcomeSuccess = "success"
	// OutcomeError labels runs that ended with a stream-level error event.
	OutcomeError = "error"
)

// Attempt outcomes recorded per resolution tier.
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
	AttemptSkipped = "skipped"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aria",
			Name:      "investigations_total",
			Help:      "Total number of pipeline runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aria",
			Name:      "investigation_seconds",
			Help:      "End-to-end pipeline latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		},
	)

	stageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aria",
			Name:      "stage_attempts_total",
			Help:      "Resolution attempts per stage and tier, partitioned by outcome.",
		},
		[]string{"stage", "tier", "outcome"},
	)

	connectorFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aria",
			Name:      "connector_fallbacks_total",
			Help:      "Live connector calls that degraded to offline data.",
		},
		[]string{"connector"},
	)
)

// Register attaches aria collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		stageAttemptsTotal,
		connectorFallbacksTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records a run duration and outcome label.
func ObserveInvestigation(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	investigationsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// ObserveAttempt counts one resolution attempt.
func ObserveAttempt(stage, tier, outcome string) {
	stageAttemptsTotal.WithLabelValues(stage, tier, outcome).Inc()
}

// ObserveConnectorFallback counts a live call that fell back to offline data.
func ObserveConnectorFallback(connector string) {
	connectorFallbacksTotal.WithLabelValues(connector).Inc()
}
