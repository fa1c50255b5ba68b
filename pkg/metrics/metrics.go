package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the prometheus collectors for the proxy. A nil *Metrics is
// a valid no-op receiver so tests can skip instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	trackedEndpoints *prometheus.GaugeVec
	healthyEndpoints *prometheus.GaugeVec
	archiveEndpoints *prometheus.GaugeVec
	medianHeight     *prometheus.GaugeVec
}

// New builds a Metrics with its own registry (plus the standard Go and
// process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayx",
			Name:      "requests_total",
			Help:      "Proxied requests by chain and outcome.",
		}, []string{"chain", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayx",
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		trackedEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayx",
			Name:      "endpoints_tracked",
			Help:      "Endpoints known from the registry.",
		}, []string{"chain"}),
		healthyEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayx",
			Name:      "endpoints_healthy",
			Help:      "Endpoints passing health classification.",
		}, []string{"chain"}),
		archiveEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayx",
			Name:      "endpoints_archive",
			Help:      "Healthy endpoints retaining full history.",
		}, []string{"chain"}),
		medianHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayx",
			Name:      "median_height",
			Help:      "Median block height across live endpoints.",
		}, []string{"chain"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.trackedEndpoints,
		m.healthyEndpoints,
		m.archiveEndpoints,
		m.medianHeight,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one proxied request.
func (m *Metrics) ObserveRequest(chain, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(chain, outcome).Inc()
	m.requestDuration.WithLabelValues(chain).Observe(d.Seconds())
}

// SetPoolState records the pool gauges after a probe round.
func (m *Metrics) SetPoolState(chain string, tracked, healthy, archive int, median int64) {
	if m == nil {
		return
	}
	m.trackedEndpoints.WithLabelValues(chain).Set(float64(tracked))
	m.healthyEndpoints.WithLabelValues(chain).Set(float64(healthy))
	m.archiveEndpoints.WithLabelValues(chain).Set(float64(archive))
	m.medianHeight.WithLabelValues(chain).Set(float64(median))
}
