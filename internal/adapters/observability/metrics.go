package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "campus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests served."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	MarketplaceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "marketplace_calls_total", Help: "Marketplace API calls by outcome class."},
		[]string{"endpoint", "class"}, // class: 2xx|3xx|4xx|5xx|network
	)
	MarketplaceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Name: "marketplace_call_duration_seconds",
			Help:    "Marketplace API call duration seconds, per attempt.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_events_total", Help: "Document cache events."},
		[]string{"cache", "event"}, // event: hit|miss|set|del|corrupt
	)
	UnlockEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "unlock_events_total", Help: "Unlock flow outcomes."},
		[]string{"stage", "outcome"}, // stage: initiate|callback|sweep
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "viewer_sessions", Help: "Open viewer sessions."},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace, Name: "payment_sweep_duration_seconds",
			Help:    "Duration of one payment session sweep.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// InitRegistry returns a private registry with the service collectors and
// the Go runtime and process collectors.
func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequests, HTTPLatency,
		MarketplaceCalls, MarketplaceLatency,
		CacheEvents,
		UnlockEvents, ActiveSessions, SweepDuration,
	)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Serve exposes reg on its own listener in the background. An empty addr
// disables it and returns nil.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

// ObserveMarketplace records one attempt. status 0 means the request never
// got a response.
func ObserveMarketplace(endpoint string, status int, dur time.Duration) {
	MarketplaceCalls.WithLabelValues(endpoint, statusClass(status)).Inc()
	MarketplaceLatency.WithLabelValues(endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) {
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObserveUnlock(stage, outcome string) {
	UnlockEvents.WithLabelValues(stage, outcome).Inc()
}

// ObserveSweep records the settled counts of one sweep run.
func ObserveSweep(verified, abandoned int, dur time.Duration) {
	UnlockEvents.WithLabelValues("sweep", "verified").Add(float64(verified))
	UnlockEvents.WithLabelValues("sweep", "abandoned").Add(float64(abandoned))
	SweepDuration.Observe(dur.Seconds())
}

func SetActiveSessions(n int) { ActiveSessions.Set(float64(n)) }

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}
