package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defpi",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "defpi",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	ChangesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defpi",
			Name:      "changes_submitted_total",
			Help:      "Pending changes submitted to the scheduler.",
		},
		[]string{"kind"},
	)

	ChangeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "defpi",
			Name:      "change_attempts_total",
			Help:      "Execution attempts by outcome.",
		},
		[]string{"kind", "result"},
	)

	ChangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "defpi",
			Name:      "change_duration_seconds",
			Help:      "Change execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ClaimErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "defpi",
			Name:      "claim_errors_total",
			Help:      "Store errors while claiming the next change.",
		},
	)

	LockedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "defpi",
			Name:      "locked_resources",
			Help:      "Resources currently held by executing changes.",
		},
	)
)

var registerOnce sync.Once

// RegisterMetrics adds every collector to the default registry. Repeated
// calls are no-ops.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ChangesSubmittedTotal,
			ChangeAttemptsTotal,
			ChangeDuration,
			ClaimErrorsTotal,
			LockedResources,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
