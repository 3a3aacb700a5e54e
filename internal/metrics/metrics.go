// Package metrics provides Prometheus instrumentation for the escrow service.
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

const namespace = "kocescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ContractsCreatedTotal counts escrow contracts created by currency.
	ContractsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contracts_created_total",
			Help:      "Total escrow contracts created.",
		},
		[]string{"currency"},
	)

	// PaymentsTotal counts funding attempts by holding provider and status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Total escrow funding payments by provider and status.",
		},
		[]string{"provider", "status"},
	)

	// ReleasesTotal counts fund releases by provider and outcome
	// (completed, failed, ambiguous, duplicate).
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fund_releases_total",
			Help:      "Total milestone fund releases by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// RefundsTotal counts dispute refunds by provider and outcome.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Total refunds by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderCallDuration observes provider call latency.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Payment provider call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "operation", "result"},
	)

	// FailoverTotal counts VN escrow creations served by the backup gateway.
	FailoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vn_failover_total",
			Help:      "Total escrow holds that fell through from primary to backup gateway.",
		},
		[]string{"primary", "backup"},
	)

	// SchedulerSweepsTotal counts auto-release sweeps by kind and result (ran, skipped).
	SchedulerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_release_sweeps_total",
			Help:      "Total auto-release sweeps by kind and result.",
		},
		[]string{"sweep", "result"},
	)

	// AutoReleasesTotal counts rule outcomes
	// (executed, deferred, rescheduled, failed, cancelled).
	AutoReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_releases_total",
			Help:      "Total auto-release rule outcomes.",
		},
		[]string{"outcome"},
	)

	// AutoReleaseWarningsTotal counts pre-release warnings sent by threshold.
	AutoReleaseWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_release_warnings_total",
			Help:      "Total pre-release warnings sent by threshold hours.",
		},
		[]string{"hours"},
	)

	// DisputesOpenedTotal counts disputes by priority.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_opened_total",
			Help:      "Total disputes opened by priority.",
		},
		[]string{"priority"},
	)

	// DisputesResolvedTotal counts disputes by resolution.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by resolution.",
		},
		[]string{"resolution"},
	)

	// NotificationsTotal counts outbound notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total notifications by event and result.",
		},
		[]string{"event", "result"},
	)

	// CallbacksTotal counts inbound provider callbacks by outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_callbacks_total",
			Help:      "Inbound provider callbacks by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// PendingReconciliations tracks transfers stuck in EXECUTING.
	PendingReconciliations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "pending_reconciliations",
		Help: "Releases and refunds awaiting provider confirmation.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ContractsCreatedTotal,
		PaymentsTotal,
		ReleasesTotal,
		RefundsTotal,
		ProviderCallDuration,
		FailoverTotal,
		SchedulerSweepsTotal,
		AutoReleasesTotal,
		AutoReleaseWarningsTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		NotificationsTotal,
		CallbacksTotal,
		PendingReconciliations,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveProviderCall records the latency of one provider call.
// Use with defer:
//
//	defer metrics.ObserveProviderCall("stripe", "release", time.Now(), &err)
func ObserveProviderCall(provider, operation string, start time.Time, errp *error) {
	result := "ok"
	if errp != nil && *errp != nil {
		result = "error"
	}
	ProviderCallDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())
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
			DBInUseConnections.Set(float64(stats.InUse))
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
			c.FullPath(), // route pattern keeps label cardinality bounded
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
