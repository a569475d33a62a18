package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotter_http_requests_total",
			Help: "Total count of HTTP requests received.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotter_http_request_duration_seconds",
			Help:    "Histogram of request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotter_http_inflight_requests",
			Help: "Number of requests currently being handled.",
		},
	)
	wsFramesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotter_ws_frames_rejected_total",
			Help: "Inbound websocket frames rejected before reaching the hub, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, httpInFlight, wsFramesRejected)
}

// MetricsMiddleware records request counts and durations per route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		c.Next()

		// Route templates keep label cardinality bounded.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := []string{c.Request.Method, route, strconv.Itoa(c.Writer.Status())}
		httpRequests.WithLabelValues(labels...).Inc()
		httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	}
}
