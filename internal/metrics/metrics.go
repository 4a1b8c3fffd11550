// Package metrics provides Prometheus instrumentation for settleflow.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settleflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settleflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts created transactions and their terminal outcomes.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settleflow",
			Name:      "transactions_total",
			Help:      "Total transactions by status (pending on create, then terminal outcome).",
		},
		[]string{"status"},
	)

	// SettlementsTotal counts settlement runs by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settleflow",
			Name:      "settlements_total",
			Help:      "Total settlement runs by outcome (succeeded, failed, noop, missing).",
		},
		[]string{"outcome"},
	)

	// SettlementDuration observes time from enqueue to terminal transition.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settleflow",
		Name:      "settlement_duration_seconds",
		Help:      "Time from settlement start to terminal transition in seconds.",
		Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 7.5, 10, 30},
	})

	// WebhookDeliveriesTotal counts webhook delivery results.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settleflow",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result (delivered, failed_permanent).",
		},
		[]string{"result"},
	)

	// WebhookAttemptsTotal counts individual delivery attempts.
	WebhookAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "webhook_attempts_total",
		Help:      "Total individual webhook delivery attempts.",
	})

	// RefundsTotal counts created refunds.
	RefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "refunds_total",
		Help:      "Total refunds created.",
	})

	// IdempotencyHitsTotal counts replayed responses served from the idempotency store.
	IdempotencyHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "idempotency_hits_total",
		Help:      "Total requests answered from a stored idempotency record.",
	})

	// IdempotencyFailOpenTotal counts requests that ran unguarded because the
	// idempotency store was unavailable.
	IdempotencyFailOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "idempotency_fail_open_total",
		Help:      "Total requests executed without idempotency protection due to store errors.",
	})

	// JobsTotal counts processed jobs by type and result.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settleflow",
			Name:      "jobs_total",
			Help:      "Total jobs processed by type and result (ok, retried, dead).",
		},
		[]string{"type", "result"},
	)

	// JobQueueDepth tracks jobs waiting in the in-process queue.
	JobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settleflow",
		Name:      "job_queue_depth",
		Help:      "Number of jobs currently waiting in the queue.",
	})

	// CacheHitsTotal / CacheMissesTotal track read-path cache effectiveness.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "cache_hits_total",
		Help:      "Total read-path cache hits.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settleflow",
		Name:      "cache_misses_total",
		Help:      "Total read-path cache misses.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settleflow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settleflow", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settleflow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settleflow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		SettlementsTotal,
		SettlementDuration,
		WebhookDeliveriesTotal,
		WebhookAttemptsTotal,
		RefundsTotal,
		IdempotencyHitsTotal,
		IdempotencyFailOpenTotal,
		JobsTotal,
		JobQueueDepth,
		CacheHitsTotal,
		CacheMissesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
