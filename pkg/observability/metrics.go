package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionTransitions counts subscription status changes by target
	// status.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sneaklink_subscription_transitions_total",
		Help: "Subscription status transitions by target status.",
	}, []string{"status"})

	// PaymentVerifications counts verification verdicts.
	PaymentVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sneaklink_payment_verifications_total",
		Help: "Payment verification outcomes.",
	}, []string{"outcome"})

	// GatewayRequests counts calls to the payment gateway by operation and
	// outcome.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sneaklink_gateway_requests_total",
		Help: "Payment gateway requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	// GatewayRequestDuration observes gateway round-trip latency.
	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sneaklink_gateway_request_duration_seconds",
		Help:    "Payment gateway request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// RefundsApplied counts confirmed refunds.
	RefundsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sneaklink_refunds_applied_total",
		Help: "Refunds confirmed at the gateway and applied.",
	})

	// QuotaRejections counts quota consume attempts rejected at the limit.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sneaklink_quota_rejections_total",
		Help: "Quota consume attempts rejected at the window limit.",
	}, []string{"kind"})

	// DeviceEvictions counts devices evicted by the over-limit admission
	// policy.
	DeviceEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sneaklink_device_evictions_total",
		Help: "Devices evicted when a new device pushed an account over its ceiling.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sneaklink_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sneaklink_http_request_duration_seconds",
		Help:    "HTTP request duration by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
