package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runbin_paste_updated_total",
		Help: "no. of pastes updated",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runbin_paste_retrieved_total",
		Help: "no. of raw paste reads",
	})
	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbin_access_decisions_total",
			Help: "no. of access gate decisions",
		},
		[]string{"decision"},
	)
	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runbin_store_conflicts_total",
		Help: "no. of optimistic update conflicts retried",
	})
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbin_executions_total",
			Help: "no. of sandbox executions",
		},
		[]string{"outcome"},
	)
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbin_execution_duration_seconds",
			Help:    "sandbox wall clock time",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)
	SandboxInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runbin_sandbox_in_flight",
		Help: "executions currently holding a worker slot",
	})
	SandboxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runbin_sandbox_rejected_total",
		Help: "no. of executions rejected because the pool was busy",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbin_encryption_operations_total",
			Help: "no. of blob seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
