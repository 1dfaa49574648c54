// Package metrics exposes fulfillment and benchmark collectors in the
// Prometheus exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proofmarket"

var (
	ordersResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_resolved_total",
		Help:      "Orders fetched, by source.",
	}, []string{"source"})

	batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Fulfillment batches by outcome and failing stage.",
	}, []string{"outcome", "stage"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "End-to-end duration of a fulfillment batch.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	pricedOrders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_orders_total",
		Help:      "Orders submitted in fulfilled batches, split by lock state.",
	}, []string{"lock"})

	benchmarkKHz = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "benchmark_khz",
		Help:      "Throughput of the latest benchmark sample.",
	}, []string{"strategy"})

	benchmarkWorstKHz = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "benchmark_worst_khz",
		Help:      "Worst-case throughput of the latest benchmark run.",
	})

	jobWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "benchmark_job_wait_seconds",
		Help:      "Wall-clock time between session creation and a terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	intakeJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intake_jobs_total",
		Help:      "Queued batch jobs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ordersResolved,
		batches,
		batchDuration,
		pricedOrders,
		benchmarkKHz,
		benchmarkWorstKHz,
		jobWait,
		intakeJobs,
	)
}

// ObserveOrderResolved counts one fetched order.
func ObserveOrderResolved(source string) {
	ordersResolved.WithLabelValues(source).Inc()
}

// ObserveBatch records a finished batch. stage is empty on success.
func ObserveBatch(stage string, started time.Time) {
	outcome := "fulfilled"
	if stage != "" {
		outcome = "failed"
	} else {
		stage = "none"
	}
	batches.WithLabelValues(outcome, stage).Inc()
	batchDuration.Observe(time.Since(started).Seconds())
}

// ObserveBatchOrders records the lock split of a fulfilled batch.
func ObserveBatchOrders(priced, locked int) {
	pricedOrders.WithLabelValues("unlocked").Add(float64(priced))
	pricedOrders.WithLabelValues("locked").Add(float64(locked))
}

// ObserveBenchmarkSample records one throughput sample.
func ObserveBenchmarkSample(strategy string, khz float64, wait time.Duration) {
	benchmarkKHz.WithLabelValues(strategy).Set(khz)
	jobWait.Observe(wait.Seconds())
}

// SetBenchmarkWorst publishes the worst case of a completed run.
func SetBenchmarkWorst(khz float64) {
	benchmarkWorstKHz.Set(khz)
}

// ObserveIntakeJob counts a processed intake job.
func ObserveIntakeJob(outcome string) {
	intakeJobs.WithLabelValues(outcome).Inc()
}
