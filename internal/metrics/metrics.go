package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	eventSkips    *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_requests_total",
			Help: "Total number of requests processed by the bridge.",
		}, []string{"facade", "protocol", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_bridge_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"facade", "protocol", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_tokens_total",
			Help: "Token counts reported by the backend.",
		}, []string{"facade", "protocol", "direction"}),
		eventSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_stream_event_skips_total",
			Help: "Backend stream events dropped because they could not be translated.",
		}, []string{"protocol"}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.tokensTotal, m.eventSkips)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(facade, protocol string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(facade, protocol, s).Inc()
	m.latencyMs.WithLabelValues(facade, protocol, s).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) ObserveTokens(facade, protocol string, input, output int) {
	if input > 0 {
		m.tokensTotal.WithLabelValues(facade, protocol, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(facade, protocol, "output").Add(float64(output))
	}
}

func (m *Metrics) ObserveEventSkip(protocol string) {
	m.eventSkips.WithLabelValues(protocol).Inc()
}
