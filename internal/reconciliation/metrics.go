package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Number of expired locked escrows found in last reconciliation run.",
	})

	reconcileStaleMints = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiatbridge",
		Subsystem: "reconciliation",
		Name:      "stale_mint_requests",
		Help:      "Number of expired open mint requests found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fiatbridge",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiatbridge",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStuckEscrows,
		reconcileStaleMints,
		reconcileDuration,
		reconcileErrors,
	)
}
