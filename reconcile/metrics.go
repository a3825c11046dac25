package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
		[]string{"outcome"},
	)

	transactionsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_transactions_scanned_total",
			Help: "Gateway transactions examined by reconciliation",
		},
	)

	transactionsMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_transactions_matched_total",
			Help: "Gateway transactions matched to an open order",
		},
	)

	transactionsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_transactions_processed_total",
			Help: "Matched transactions that produced a payment record",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_cycle_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(transactionsScanned)
	prometheus.MustRegister(transactionsMatched)
	prometheus.MustRegister(transactionsProcessed)
	prometheus.MustRegister(cycleDuration)
}

// Stats summarizes one reconciliation cycle.
type Stats struct {
	Scanned   int
	Matched   int
	Processed int
	Skipped   bool
	Elapsed   time.Duration
}

func recordCycle(s Stats) {
	if s.Skipped {
		cyclesTotal.WithLabelValues("skipped").Inc()
		return
	}
	cyclesTotal.WithLabelValues("completed").Inc()
	transactionsScanned.Add(float64(s.Scanned))
	transactionsMatched.Add(float64(s.Matched))
	transactionsProcessed.Add(float64(s.Processed))
	cycleDuration.Observe(s.Elapsed.Seconds())
}
