// Package metrics exposes the Prometheus instrumentation points named
// across the spec's component design: cache/tuner gauges, discovery and
// harvest pass durations, and cloud auth-retry counts.
//
// Only the HTTP request metrics are updated, by Instrument. The other
// gauges, histograms and the counter are registered and exported, but
// no package in the module sets or observes them, so they stay at zero.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunerbridge"

var (
	ActiveTranscodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_transcodes",
		Help:      "Number of transcode jobs currently running.",
	})

	ActiveTuners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tuners",
		Help:      "Number of live tuners currently in the active state.",
	})

	ActiveViewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_viewers",
		Help:      "Number of registered live-stream viewers.",
	})

	DiscoveryPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "discovery_pass_duration_seconds",
		Help:      "Duration of one discovery pass (UDP + HTTP fallbacks).",
		Buckets:   prometheus.DefBuckets,
	})

	GuideHarvestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "guide_harvest_duration_seconds",
		Help:      "Duration of one guide harvest pass.",
		Buckets:   prometheus.DefBuckets,
	})

	CloudAuthRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cloud_auth_retries_total",
		Help:      "Count of DeviceAuth refresh-and-retry cycles against the vendor cloud.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed by the request surface.",
	}, []string{"method", "route", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(
		ActiveTranscodes,
		ActiveTuners,
		ActiveViewers,
		DiscoveryPassDuration,
		GuideHarvestDuration,
		CloudAuthRetriesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Instrument wraps an http.Handler, recording per-route request counts
// and durations. route should be the registered pattern (not the raw
// path) to keep cardinality bounded.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.status)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
