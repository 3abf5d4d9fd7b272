// Package metrics exposes Prometheus collectors for the live query server and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/livequery"
)

const namespace = "livequery"

// Collector owns a registry and the collectors registered on it.
type Collector struct {
	registry *prometheus.Registry

	clients       prometheus.Gauge
	subscriptions prometheus.Gauge
	lifecycle     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New returns a Collector backed by a fresh registry with the process and Go collectors.
func New() *Collector {
	collector := &Collector{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "clients",
			Help:      "Connected live query clients.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "subscriptions",
			Help:      "Registered live query subscriptions.",
		}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "lifecycle_events_total",
			Help:      "Connection and subscription state transitions.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "deliveries_total",
			Help:      "Mutation outcomes per matched subscriber. Reason values: delivered, class_permission, acl.",
		}, []string{"event", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}
	collector.registry.MustRegister(
		collector.clients,
		collector.subscriptions,
		collector.lifecycle,
		collector.deliveries,
		collector.httpRequests,
		collector.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return collector
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveLifecycle is a livequery.LifecycleHook.
func (c *Collector) ObserveLifecycle(event livequery.LifecycleEvent) {
	c.lifecycle.WithLabelValues(event.Event).Inc()
	c.clients.Set(float64(event.Clients))
	c.subscriptions.Set(float64(event.Subscriptions))
}

// ObserveDelivery is a livequery.DeliveryHook.
func (c *Collector) ObserveDelivery(outcome livequery.Delivery) {
	event := string(outcome.Event)
	if event == "" {
		event = "none"
	}
	c.deliveries.WithLabelValues(event, outcome.Reason()).Inc()
}

// GinMiddleware records request counts and durations by route template.
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
