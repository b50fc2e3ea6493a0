// Package metrics provides Prometheus instrumentation for the Chainmeter broker.
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
			Namespace: "chainmeter",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainmeter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APICallsTotal counts brokered upstream calls by listing and result.
	APICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainmeter",
			Name:      "api_calls_total",
			Help:      "Total brokered API calls by listing and result.",
		},
		[]string{"listing", "result"},
	)

	// UpstreamDuration observes upstream round-trip latency by listing.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainmeter",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream API round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"listing"},
	)

	// QuotaExhaustedTotal counts calls rejected because a grant was out of quota.
	QuotaExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainmeter",
		Name:      "quota_exhausted_total",
		Help:      "Total calls rejected due to exhausted grant quota.",
	})

	// SettlementSubmittedTotal counts usage transactions submitted on-chain.
	SettlementSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainmeter",
		Name:      "settlement_submitted_total",
		Help:      "Total usage settlement transactions submitted.",
	})

	// SettlementConfirmedTotal counts usage transactions confirmed on-chain.
	SettlementConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainmeter",
		Name:      "settlement_confirmed_total",
		Help:      "Total usage settlement transactions confirmed on-chain.",
	})

	// SettlementFailedTotal counts settlement items that failed by stage.
	SettlementFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainmeter",
			Name:      "settlement_failed_total",
			Help:      "Total settlement items that failed by stage.",
		},
		[]string{"stage"},
	)

	// SettlementQueueDepth tracks items waiting in the settlement queue.
	SettlementQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter",
		Name:      "settlement_queue_depth",
		Help:      "Number of items waiting in the settlement queue.",
	})

	// SettlementOldestPendingAge tracks the age in seconds of the oldest
	// submitted-but-unconfirmed settlement transaction.
	SettlementOldestPendingAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter",
		Name:      "settlement_oldest_pending_age_seconds",
		Help:      "Age of the oldest unconfirmed settlement transaction in seconds.",
	})

	// NonceCacheHits counts nonce cache hits and misses.
	NonceCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainmeter",
			Name:      "nonce_cache_total",
			Help:      "Nonce cache lookups by outcome (hit, miss, invalidate).",
		},
		[]string{"outcome"},
	)

	// VaultDecryptsTotal counts credential vault decryptions by result.
	VaultDecryptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainmeter",
			Name:      "vault_decrypts_total",
			Help:      "Total credential decryptions by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainmeter", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		APICallsTotal,
		UpstreamDuration,
		QuotaExhaustedTotal,
		SettlementSubmittedTotal,
		SettlementConfirmedTotal,
		SettlementFailedTotal,
		SettlementQueueDepth,
		SettlementOldestPendingAge,
		NonceCacheHits,
		VaultDecryptsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
