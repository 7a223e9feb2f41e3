package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the tracker's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	announces        *prometheus.CounterVec
	announceDuration *prometheus.HistogramVec
	scrapes          *prometheus.CounterVec
	expiredPeers     prometheus.Counter
	statsDrops       prometheus.Counter
	statsFailures    prometheus.Counter
	udpRateLimited   prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "announces_total",
			Help:      "Announce requests by transport and result.",
		}, []string{"transport", "result"}),
		announceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tracker",
			Name:      "announce_duration_seconds",
			Help:      "Time spent handling an announce.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"transport"}),
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "scrapes_total",
			Help:      "Scrape requests by transport.",
		}, []string{"transport"}),
		expiredPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "expired_peers_total",
			Help:      "Peers removed by lazy expiry.",
		}),
		statsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "stats_dropped_total",
			Help:      "Stats writes dropped because the queue was full.",
		}),
		statsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "stats_write_failures_total",
			Help:      "Stats writes that failed in the sink.",
		}),
		udpRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "udp_rate_limited_total",
			Help:      "UDP connect requests rejected by the rate limiter.",
		}),
	}

	registry.MustRegister(m.announces, m.announceDuration, m.scrapes,
		m.expiredPeers, m.statsDrops, m.statsFailures, m.udpRateLimited)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) announceDone(transport, result string, seconds float64) {
	if m == nil {
		return
	}
	m.announces.WithLabelValues(transport, result).Inc()
	m.announceDuration.WithLabelValues(transport).Observe(seconds)
}

func (m *Metrics) scrapeDone(transport string) {
	if m == nil {
		return
	}
	m.scrapes.WithLabelValues(transport).Inc()
}

func (m *Metrics) peersExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.expiredPeers.Add(float64(n))
}

func (m *Metrics) statsDropped() {
	if m == nil {
		return
	}
	m.statsDrops.Inc()
}

func (m *Metrics) statsWriteFailed() {
	if m == nil {
		return
	}
	m.statsFailures.Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.udpRateLimited.Inc()
}

// metricsHandler serves the registry on /metrics, optionally behind basic auth.
func metricsHandler(m *Metrics, basicAuthUsers map[string]string) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	if len(basicAuthUsers) > 0 {
		router.Use(middleware.BasicAuth("metrics", basicAuthUsers))
	}
	router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return router
}

// resultLabel buckets a response status for the announces_total result label.
func resultLabel(status int) string {
	switch {
	case status < 300:
		return "ok"
	case status == http.StatusForbidden:
		return "denied"
	case status == http.StatusNotFound:
		return "not_found"
	case status < 500:
		return "invalid"
	default:
		return "error"
	}
}
