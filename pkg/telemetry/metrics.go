// Package telemetry provides Prometheus instrumentation for the decision
// path and the background pipelines.
//
// A single Collector is constructed at startup and handed to every component
// that emits signals. All metrics live under one configurable namespace
// (default "gatelimit").
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metric vectors for the service.
type Collector struct {
	decisions     *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
	storeRetries  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	fallbacks     *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	eventsWritten prometheus.Counter
	queueDepth    prometheus.Gauge
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	alertsFired   *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for check duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewCollector creates a Collector and registers its metrics.
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "gatelimit",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decisions_total",
			Help:      "Rate limit verdicts partitioned by algorithm and decision.",
		}, []string{"algorithm", "decision"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of rate limit checks in seconds.",
			Buckets:   cfg.buckets,
		}, []string{"algorithm"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Counter store call failures after retries, by script.",
		}, []string{"script"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_retries_total",
			Help:      "Retried counter store calls, by script.",
		}, []string{"script"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "fallback_verdicts_total",
			Help:      "Verdicts produced by the fail-mode fallback.",
		}, []string{"fail_mode"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "policy_resolutions_total",
			Help:      "Policy resolver outcomes by matching step.",
		}, []string{"source"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "events_dropped_total",
			Help:      "Verdict events dropped, by cause (overflow, persist).",
		}, []string{"cause"}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "events_written_total",
			Help:      "Verdict events persisted to the event store.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "event_queue_depth",
			Help:      "Current occupancy of the verdict event buffer.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "cache_hits_total",
			Help:      "Policy cache hits by entity kind.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "cache_misses_total",
			Help:      "Policy cache misses by entity kind.",
		}, []string{"kind"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert rule firings by severity.",
		}, []string{"severity"}),
	}

	cfg.registry.MustRegister(
		c.decisions, c.checkDuration, c.storeErrors, c.storeRetries,
		c.breakerState, c.fallbacks, c.resolutions,
		c.eventsDropped, c.eventsWritten, c.queueDepth,
		c.cacheHits, c.cacheMisses, c.alertsFired,
	)
	return c
}

// ObserveDecision records one verdict and its latency.
func (c *Collector) ObserveDecision(algorithm string, allowed bool, elapsed time.Duration) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.decisions.WithLabelValues(algorithm, decision).Inc()
	c.checkDuration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}

// StoreError counts a counter-store failure that exhausted its retries.
func (c *Collector) StoreError(script string) {
	c.storeErrors.WithLabelValues(script).Inc()
}

// StoreRetry counts a retried counter-store call.
func (c *Collector) StoreRetry(script string) {
	c.storeRetries.WithLabelValues(script).Inc()
}

// BreakerState records a circuit breaker state change.
// 0=closed, 1=half-open, 2=open.
func (c *Collector) BreakerState(name string, state float64) {
	c.breakerState.WithLabelValues(name).Set(state)
}

// Fallback counts a verdict served by the fail-mode fallback.
func (c *Collector) Fallback(failMode string) {
	c.fallbacks.WithLabelValues(failMode).Inc()
}

// Resolution counts a resolver outcome by the precedence step that matched.
func (c *Collector) Resolution(source string) {
	c.resolutions.WithLabelValues(source).Inc()
}

// EventDropped counts a dropped verdict event.
func (c *Collector) EventDropped(cause string) {
	c.eventsDropped.WithLabelValues(cause).Inc()
}

// EventsDropped counts n dropped verdict events, e.g. a whole failed batch.
func (c *Collector) EventsDropped(cause string, n int) {
	c.eventsDropped.WithLabelValues(cause).Add(float64(n))
}

// EventsWritten counts persisted verdict events.
func (c *Collector) EventsWritten(n int) {
	c.eventsWritten.Add(float64(n))
}

// QueueDepth reports the current event buffer occupancy.
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// CacheHit counts a policy cache hit for an entity kind.
func (c *Collector) CacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

// CacheMiss counts a policy cache miss for an entity kind.
func (c *Collector) CacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// AlertFired counts an alert rule firing.
func (c *Collector) AlertFired(severity string) {
	c.alertsFired.WithLabelValues(severity).Inc()
}
