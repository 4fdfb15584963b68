package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fairlaunch_api_build_info",
			Help: "Build information of the FairLaunch API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlaunch_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fairlaunch_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairlaunch_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Offering lifecycle metrics, recorded by the giveaway service.
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlaunch_deposits_total",
			Help: "Total number of deposit attempts",
		},
		[]string{"status"}, // "accepted", "rejected"
	)

	OfferingsFinalizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fairlaunch_offerings_finalized_total",
			Help: "Total number of finalized offerings",
		},
	)

	// Claim metrics
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlaunch_api_claims_total",
			Help: "Total number of claim attempts",
		},
		[]string{"status"}, // "paid", "replay", "invalid_proof", "error"
	)

	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairlaunch_api_claim_duration_seconds",
			Help:    "Duration of claim processing including proof verification",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		},
	)

	BatchClaimSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairlaunch_api_batch_claim_size",
			Help:    "Number of entries per batch claim request",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
	)

	// Store metrics, recorded by the sqlite store.
	StoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairlaunch_store_queries_total",
			Help: "Total number of store queries",
		},
		[]string{"status"},
	)

	StoreQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairlaunch_store_query_duration_seconds",
			Help:    "Duration of store queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordDeposit records a deposit attempt.
func RecordDeposit(err error) {
	status := "accepted"
	if err != nil {
		status = "rejected"
	}
	DepositsTotal.WithLabelValues(status).Inc()
}

// RecordClaim records one claim attempt with its outcome and duration.
func RecordClaim(status string, duration time.Duration) {
	ClaimsTotal.WithLabelValues(status).Inc()
	ClaimDuration.Observe(duration.Seconds())
}

// RecordStoreQuery records metrics for a store query.
func RecordStoreQuery(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreQueriesTotal.WithLabelValues(status).Inc()
	StoreQueryDuration.Observe(duration.Seconds())
}
