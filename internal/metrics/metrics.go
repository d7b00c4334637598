package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics for Prometheus export.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec   // mode, method, status
	requestDurations *prometheus.HistogramVec // mode
	injectionsTotal  *prometheus.CounterVec   // anchor
	upstreamErrors   *prometheus.CounterVec   // reason
	pluginReads      *prometheus.CounterVec   // result
}

// NewCollector creates a collector on its own registry, including Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injector_requests_total",
			Help: "Total number of requests",
		}, []string{"mode", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "injector_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: DefaultBuckets,
		}, []string{"mode"}),
		injectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injector_injections_total",
			Help: "Plugin script injections by anchor",
		}, []string{"anchor"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injector_upstream_errors_total",
			Help: "Failed upstream requests in proxy mode",
		}, []string{"reason"}),
		pluginReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injector_plugin_reads_total",
			Help: "Plugin file reads by result (hit, miss, error)",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDurations,
		c.injectionsTotal,
		c.upstreamErrors,
		c.pluginReads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(mode, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(mode, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordInjection records a script injection at the named anchor.
func (c *Collector) RecordInjection(anchor string) {
	if c == nil {
		return
	}
	c.injectionsTotal.WithLabelValues(anchor).Inc()
}

// RecordUpstreamError records a failed upstream call ("timeout", "connect", "canceled", ...).
func (c *Collector) RecordUpstreamError(reason string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(reason).Inc()
}

// RecordPluginRead records a plugin read result.
func (c *Collector) RecordPluginRead(result string) {
	if c == nil {
		return
	}
	c.pluginReads.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
