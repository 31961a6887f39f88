// Package metrics declares the prometheus collectors exported by the custodian services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_rpc_requests_total",
			Help: "Total number of upstream chain requests",
		},
		[]string{"op", "status"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fundpool_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"limiter"},
	)

	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_transactions_total",
			Help: "Total number of state changing actions by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	ControllerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_controller_runs_total",
			Help: "Total number of threshold controller invocations by resulting status",
		},
		[]string{"status"},
	)

	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_sweep_runs_total",
			Help: "Total number of clawback sweeps by resulting status",
		},
		[]string{"status"},
	)

	SweepCandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_sweep_candidates_total",
			Help: "Clawback candidates by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fundpool_sweep_duration_seconds",
			Help:    "Duration of clawback sweeps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	IndicesAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpool_indices_allocated_total",
			Help: "Derivation indices handed out by the allocator",
		},
		[]string{"role", "network"},
	)
)
