package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/kelarsco/sneaklink-sub002/pkg/middleware"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

// SetupRouter configures all routes and returns the HTTP handler
func SetupRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	h := &apiHandler{deps: deps}

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)
	if deps.Config.Observability.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.HandleFunc("GET /v1/plans", h.listPlans)

	mux.HandleFunc("GET /v1/accounts/{accountID}/subscription", h.currentSubscription)
	mux.HandleFunc("POST /v1/accounts/{accountID}/subscription", h.selectPlan)
	mux.HandleFunc("POST /v1/accounts/{accountID}/subscription/auto-renew", h.toggleAutoRenew)
	mux.HandleFunc("GET /v1/accounts/{accountID}/entitlements", h.effectiveLimits)

	mux.HandleFunc("POST /v1/payments/{reference}/verify", h.verifyPayment)
	mux.HandleFunc("POST /v1/accounts/{accountID}/refunds", h.applyRefund)
	mux.HandleFunc("POST /v1/disputes", h.recordDispute)
	mux.HandleFunc("POST /v1/disputes/{disputeID}/reject", h.rejectDispute)

	mux.HandleFunc("POST /v1/accounts/{accountID}/quota/{kind}/consume", h.consumeQuota)
	mux.HandleFunc("GET /v1/accounts/{accountID}/quota/{kind}", h.quotaBalance)

	mux.HandleFunc("POST /v1/accounts/{accountID}/devices/{deviceID}", h.admitDevice)
	mux.HandleFunc("GET /v1/accounts/{accountID}/devices", h.listDevices)
	mux.HandleFunc("DELETE /v1/accounts/{accountID}/devices/{deviceID}", h.removeDevice)

	var handler http.Handler = mux

	if deps.Config.Server.RateLimitPerSecond > 0 && deps.Config.Server.RateLimitBurst > 0 {
		limiter := rate.NewLimiter(
			rate.Limit(float64(deps.Config.Server.RateLimitPerSecond)),
			deps.Config.Server.RateLimitBurst,
		)
		handler = rateLimitMiddleware(limiter)(handler)
	}

	if deps.Config.Observability.MetricsEnabled {
		handler = observability.MetricsMiddleware(handler)
	}
	handler = middleware.Logging(deps.Logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(deps.Logger)(handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
	})

	return corsHandler.Handler(handler)
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
