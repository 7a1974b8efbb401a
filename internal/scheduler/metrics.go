package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the evaluator's Prometheus instruments
type Metrics struct {
	Outcomes      *prometheus.CounterVec
	ApplyAttempts prometheus.Histogram
	Coalesced     prometheus.Counter
	Mode          *prometheus.GaugeVec
	PassDuration  prometheus.Histogram
}

// NewMetrics registers the instruments with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homeschedule",
			Name:      "evaluations_total",
			Help:      "Evaluation passes by outcome.",
		}, []string{"outcome"}),
		ApplyAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "homeschedule",
			Name:      "apply_attempts",
			Help:      "Apply calls made per pass that reached the apply step.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		Coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "homeschedule",
			Name:      "triggers_coalesced_total",
			Help:      "Triggers folded into an in-flight pass for the same entity.",
		}),
		Mode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "homeschedule",
			Name:      "presence_mode",
			Help:      "1 for the currently resolved presence mode.",
		}, []string{"mode"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "homeschedule",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one entity evaluation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
