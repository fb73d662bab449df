package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Admission & queue
	// ============================================
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_jobs_enqueued_total",
			Help: "Total number of transaction jobs enqueued",
		},
		[]string{"source", "intent_type"},
	)

	JobsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_jobs_duplicate_total",
		Help: "Total number of submissions deduplicated by idempotency key",
	})

	JobsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_jobs_rate_limited_total",
		Help: "Total number of submissions rejected by the per-user in-flight cap",
	})

	QuoteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_quote_cache_hits_total",
		Help: "Total number of quote cache hits",
	})

	QuoteCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_quote_cache_misses_total",
		Help: "Total number of quote cache misses",
	})

	// ============================================
	// Worker & dispatch
	// ============================================
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_jobs_processed_total",
			Help: "Total number of jobs processed by the worker, by outcome",
		},
		[]string{"status"},
	)

	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_job_retries_total",
		Help: "Total number of retryable failures sent back for redelivery",
	})

	PolicyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_rejections_total",
			Help: "Total number of session-key policy rejections",
		},
		[]string{"reason"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_dispatch_duration_seconds",
			Help:    "Execution dispatcher duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "executor"},
	)

	DispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_dispatch_results_total",
			Help: "Total number of dispatch results",
		},
		[]string{"chain", "executor", "status"},
	)

	// ============================================
	// Hyperliquid sub-engine
	// ============================================
	HLOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_hyperliquid_orders_total",
			Help: "Total number of Hyperliquid IOC orders, by symbol and outcome",
		},
		[]string{"symbol", "status"},
	)

	HLOrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_hyperliquid_order_latency_seconds",
			Help:    "Hyperliquid order round-trip latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"symbol"},
	)

	HLLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_hyperliquid_lock_contention_total",
		Help: "Total number of orders rejected because a trade was in progress",
	})
)
