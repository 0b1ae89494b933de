package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	conflicts   prometheus.Counter
	subscribers prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests served, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvsync",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Request latency, by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvsync",
			Subsystem: "server",
			Name:      "version_conflicts_total",
			Help:      "Writes rejected because the expected version was stale.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvsync",
			Subsystem: "server",
			Name:      "change_subscribers",
			Help:      "Open change feed subscriptions.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.conflicts, m.subscribers)
	return m
}

func (m *serverMetrics) instrument(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(m.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h))
}
