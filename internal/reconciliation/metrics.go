package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kocescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kocescrow",
		Subsystem: "reconciliation",
		Name:      "transfers_total",
		Help:      "Transfers examined by reconciliation, by kind and outcome.",
	}, []string{"kind", "outcome"})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kocescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuration,
		reconcileOutcomes,
		reconcileErrors,
	)
}
