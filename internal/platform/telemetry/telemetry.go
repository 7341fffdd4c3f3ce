// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// read engines. Every Provider owns its own registry, so tests and multiple
// servers in one process never collide.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds the provider settings.
type TelemetryConfig struct {
	Namespace      string
	MetricsEnabled *bool // nil = enabled
	ProcessMetrics bool
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Provider records metrics. A nil *Provider is valid and records nothing.
type Provider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	queryDuration  *prometheus.HistogramVec
	queryErrors    *prometheus.CounterVec
	unresolvedLink *prometheus.CounterVec
}

func NewProvider(cfg TelemetryConfig) *Provider {
	if cfg.Namespace == "" {
		cfg.Namespace = "lims"
	}
	reg := prometheus.NewRegistry()
	if cfg.ProcessMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &Provider{
		cfg:      cfg,
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "engine_query_duration_seconds",
			Help:      "Read engine operation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
		queryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "engine_query_errors_total",
			Help:      "Read engine operations that returned an error.",
		}, []string{"operation"}),
		unresolvedLink: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "unresolved_links_total",
			Help:      "Events whose ancestor entity could not be resolved, by entity kind.",
		}, []string{"kind"}),
	}
}

// Registry returns the provider's registry.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// ObserveQuery starts timing an engine operation. Call the returned func with
// the operation's error when it finishes.
func (p *Provider) ObserveQuery(operation string) func(err error) {
	if p == nil || !p.cfg.metricsOn() {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		p.queryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			p.queryErrors.WithLabelValues(operation).Inc()
		}
	}
}

// UnresolvedLink counts one event whose kind ("specimen", "exam",
// "work_order") could not be resolved.
func (p *Provider) UnresolvedLink(kind string) {
	if p == nil || !p.cfg.metricsOn() {
		return
	}
	p.unresolvedLink.WithLabelValues(kind).Inc()
}

// MetricsMiddleware records request count, duration and in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil || !p.cfg.metricsOn() {
				return next(c)
			}

			p.httpInFlight.Inc()
			start := time.Now()
			err := next(c)
			p.httpInFlight.Dec()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	if p == nil {
		return func(c echo.Context) error { return c.NoContent(http.StatusNotFound) }
	}
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}
