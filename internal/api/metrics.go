package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// consoleRoute is the SSE route. Its requests last as long as the
	// context, so they are timed apart from ordinary requests.
	consoleRoute = "/v1/contexts/{id}/console"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsbridge_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// Evaluations dominate request time, so the buckets start well below
	// the default 5ms.
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, console streams excluded.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"method", "route"},
	)

	consoleStreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jsbridge_console_streams_open",
		Help: "Console event streams currently attached.",
	})

	consoleStreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jsbridge_console_stream_duration_seconds",
		Help:    "Lifetime of console event streams in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		consoleStreamsOpen,
		consoleStreamDuration,
	)
}

// metricsMiddleware counts every request by chi route pattern. Console
// streams go to their own histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

		if route == consoleRoute && status == http.StatusOK {
			consoleStreamDuration.Observe(elapsed)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
	})
}

// routePattern returns the matched chi pattern without the trailing slash
// chi keeps on mounted index routes, so /v1/contexts and /v1/contexts/
// share a series.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return unmatched
	}
	pattern := rctx.RoutePattern()
	if pattern != "/" {
		pattern = strings.TrimSuffix(pattern, "/")
	}
	return pattern
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
