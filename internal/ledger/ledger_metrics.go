package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts wallet operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "ledger_operations_total",
			Help:      "Total wallet ledger operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fiatbridge",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Wallet ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerFeesCollected sums fees routed to the platform wallet.
	LedgerFeesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fiatbridge",
			Name:      "ledger_fees_collected_total",
			Help:      "Fees credited to the platform wallet, by token and operation.",
		},
		[]string{"token", "type"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerFeesCollected,
	)
}

// observeOp times an operation; call the returned func with its error.
func observeOp(opType string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		LedgerOpsTotal.WithLabelValues(opType, outcome).Inc()
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
