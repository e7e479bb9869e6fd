package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry        *prometheus.Registry
	objectsTotal    *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	retriesTotal    *prometheus.CounterVec
	partsTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram

	mu     sync.Mutex
	server *http.Server
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_objects_total",
				Help: "Total number of objects processed",
			},
			[]string{"status", "strategy"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_retries_total",
				Help: "Retried storage operations by error kind",
			},
			[]string{"kind"},
		),
		partsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_parts_total",
				Help: "Multipart parts uploaded",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_workers",
				Help: "Number of workers currently processing",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_object_duration_seconds",
				Help:    "Time taken to migrate an object",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
	}

	c.registry.MustRegister(
		c.objectsTotal,
		c.bytesTotal,
		c.retriesTotal,
		c.partsTotal,
		c.inflightWorkers,
		c.duration,
	)

	return c
}

// ObserveObject records one finished object.
func (c *Collector) ObserveObject(status, strategy string, bytes int64, d time.Duration) {
	if c == nil {
		return
	}
	c.objectsTotal.WithLabelValues(status, strategy).Inc()
	if bytes > 0 {
		c.bytesTotal.Add(float64(bytes))
	}
	c.duration.Observe(d.Seconds())
}

// IncRetry counts one retried attempt.
func (c *Collector) IncRetry(kind string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(kind).Inc()
}

// IncParts counts one uploaded part.
func (c *Collector) IncParts() {
	if c == nil {
		return
	}
	c.partsTotal.Inc()
}

// IncInflight marks a worker busy.
func (c *Collector) IncInflight() {
	if c == nil {
		return
	}
	c.inflightWorkers.Inc()
}

// DecInflight marks a worker idle.
func (c *Collector) DecInflight() {
	if c == nil {
		return
	}
	c.inflightWorkers.Dec()
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server. It blocks until the server
// stops and returns nil after Shutdown.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Lock()
	c.server = srv
	c.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics server if it was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
