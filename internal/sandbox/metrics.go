package sandbox

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are the sandbox's Prometheus counters.
type metrics struct {
	issued        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	rateLimited   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_codes_issued_total",
			Help: "Code issue requests by outcome",
		}, []string{"outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_verifications_total",
			Help: "Code verifications by outcome",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_downloads_total",
			Help: "Result downloads by outcome",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_rate_limited_total",
			Help: "Requests refused by the per-client rate limiter",
		}),
	}
	reg.MustRegister(m.issued, m.verifications, m.downloads, m.rateLimited)
	return m
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
