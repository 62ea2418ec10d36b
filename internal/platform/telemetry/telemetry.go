// Package telemetry exposes Prometheus metrics for the HTTP server, the
// connection pool and the appointment workflow.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Provider owns a private registry so tests can create as many as they need.
type Provider struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	responseSize    *prometheus.HistogramVec

	bookings      *prometheus.CounterVec
	recordWrites  *prometheus.CounterVec
	eventsRelayed *prometheus.CounterVec
	outboxPending prometheus.Gauge
}

func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Size of HTTP response bodies in bytes.",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"route"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Appointment booking attempts by outcome.",
		}, []string{"outcome"}),
		recordWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clinical",
			Name:      "record_writes_total",
			Help:      "Medical record writes by operation.",
		}, []string{"operation"}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_relayed_total",
			Help:      "Outbox events handed to the broker by result.",
		}, []string{"result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Number of events claimed in the last relay batch.",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.requestDuration,
		p.activeRequests,
		p.responseSize,
		p.bookings,
		p.recordWrites,
		p.eventsRelayed,
		p.outboxPending,
	)
	return p
}

// Registry returns the provider's registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// RegisterPool exports pgxpool statistics as gauges.
func (p *Provider) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, fn)
	}
	p.registry.MustRegister(
		gauge("total_connections", "Total connections in the pool.", func() float64 { return float64(pool.Stat().TotalConns()) }),
		gauge("idle_connections", "Idle connections in the pool.", func() float64 { return float64(pool.Stat().IdleConns()) }),
		gauge("acquired_connections", "Connections currently checked out.", func() float64 { return float64(pool.Stat().AcquiredConns()) }),
	)
}

// MetricsMiddleware records duration and response size per route.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			p.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				p.responseSize.WithLabelValues(route).Observe(float64(size))
			}
			return err
		}
	}
}

// PrometheusHandler serves the registry in the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// Booking outcomes.
const (
	BookingAccepted    = "accepted"
	BookingOutsideSlot = "outside_availability"
	BookingConflict    = "conflict"
)

func (p *Provider) BookingAttempt(outcome string) {
	p.bookings.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordWrite(operation string) {
	p.recordWrites.WithLabelValues(operation).Inc()
}

func (p *Provider) EventRelayed(ok bool) {
	result := "published"
	if !ok {
		result = "failed"
	}
	p.eventsRelayed.WithLabelValues(result).Inc()
}

func (p *Provider) OutboxBatch(n int) {
	p.outboxPending.Set(float64(n))
}
