// Package middleware holds the HTTP middlewares the router wraps every
// handler with, adapted from sessiongate/pkg/server/middleware.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WithMetrics records a request counter and duration histogram labeled by
// method, status and route pattern. Unlike the teacher's hand-rolled
// logResponseWriter, status/byte capture here comes from httpsnoop, which
// already handles the Hijack/Flush/ReaderFrom interfaces a reverse proxy
// needs — the WebSocket bridge's own hijack path is handled separately in
// internal/wsbridge, so this wrapper only needs to cover plain HTTP.
func WithMetrics(counterName, durationName string, reg prometheus.Registerer, next http.Handler) http.Handler {
	counter := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: counterName,
			Help: "Counter for HTTP requests by method, status, route",
		},
		[]string{"method", "status", "route"},
	)
	duration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            durationName,
			Help:                            "Histogram of latencies for HTTP requests by method, status, route",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		},
		[]string{"method", "status", "route"},
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := httpsnoop.CaptureMetrics(next, w, r)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		counter.WithLabelValues(r.Method, strconv.Itoa(m.Code), route).Inc()
		duration.WithLabelValues(r.Method, strconv.Itoa(m.Code), route).Observe(time.Since(start).Seconds())
	})
}
