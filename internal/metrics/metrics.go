// Package metrics provides Prometheus instrumentation for the transfer service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fortressbank",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransfersTotal counts transfer outcomes by terminal status.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "transfers_total",
			Help:      "Total transfers by terminal status.",
		},
		[]string{"status"},
	)

	// RiskAssessmentsTotal counts risk assessments by resulting level.
	RiskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "risk_assessments_total",
			Help:      "Total risk assessments by level.",
		},
		[]string{"level"},
	)

	// ChallengesTotal counts challenge verifications by type and outcome.
	ChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "challenges_total",
			Help:      "Total challenge verifications by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// VelocityLimitHits counts transfers that pushed a user past the
	// daily velocity limit.
	VelocityLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "velocity_limit_hits_total",
			Help:      "Total risk assessments where the daily velocity limit was exceeded.",
		},
	)

	// RollbacksTotal counts compensation outcomes after a failed credit.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "rollbacks_total",
			Help:      "Total compensating refunds by result (completed or failed).",
		},
		[]string{"result"},
	)

	// LedgerCallDuration observes outbound ledger call latency by operation.
	LedgerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fortressbank",
			Name:      "ledger_call_duration_seconds",
			Help:      "Ledger collaborator call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	// ActiveWebSocketClients tracks connected status-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fortressbank",
			Name:      "websocket_clients",
			Help:      "Currently connected transfer status stream clients.",
		},
	)

	// NotificationsTotal counts fire-and-forget notification dispatches.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortressbank",
			Name:      "notifications_total",
			Help:      "Total notification dispatch attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransfersTotal,
		RiskAssessmentsTotal,
		ChallengesTotal,
		VelocityLimitHits,
		RollbacksTotal,
		LedgerCallDuration,
		ActiveWebSocketClients,
		NotificationsTotal,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw URL, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveLedgerCall records one outbound ledger call.
func ObserveLedgerCall(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerCallDuration.WithLabelValues(op, result).Observe(d.Seconds())
}
