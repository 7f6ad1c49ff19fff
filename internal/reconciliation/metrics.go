package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowInvariantViolations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "escrow_invariant_violations",
		Help:      "Number of escrow records failing balance invariants in last reconciliation run.",
	})

	orderRefundMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "order_refund_mismatches",
		Help:      "Number of orders whose refunded amount differs from their completed refunds.",
	})

	subOrderRefundMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "suborder_refund_mismatches",
		Help:      "Number of sub-orders whose refunded amount differs from their escrow record.",
	})

	stuckRefunds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "stuck_refunds",
		Help:      "Number of refunds left in processing past the stuck threshold.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		escrowInvariantViolations,
		orderRefundMismatches,
		subOrderRefundMismatches,
		stuckRefunds,
		reconcileDuration,
		reconcileErrors,
	)
}
