package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine pipeline.
type Metrics struct {
	config MetricsConfig

	entitiesReceived  *prometheus.CounterVec
	entitiesProcessed *prometheus.CounterVec
	classifications   *prometheus.CounterVec
	unclassified      *prometheus.CounterVec
	actionExecutions  *prometheus.CounterVec
	pluginErrors      *prometheus.CounterVec
	providerErrors    *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	registeredDomains prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics: every Record* method checks for nil collectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		entitiesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_received_total",
				Help:      "Total number of entities fetched from providers",
			},
			[]string{"domain"},
		),
		entitiesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_processed_total",
				Help:      "Total number of entities that completed the pipeline",
			},
			[]string{"domain", "status"},
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Total number of winning classifications by type",
			},
			[]string{"domain", "type"},
		),
		unclassified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unclassified_total",
				Help:      "Total number of entities no classifier had an opinion on",
			},
			[]string{"domain"},
		),
		actionExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_executions_total",
				Help:      "Total number of action executions",
			},
			[]string{"domain", "action", "status"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of errors raised by classifiers and actions",
			},
			[]string{"domain", "kind", "plugin"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider fetch errors",
			},
			[]string{"domain"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of one entity's classify/resolve/dispatch cycle",
				Buckets:   buckets,
			},
			[]string{"domain"},
		),
		registeredDomains: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_domains",
				Help:      "Current number of registered domains",
			},
		),
	}

	registry.MustRegister(
		m.entitiesReceived,
		m.entitiesProcessed,
		m.classifications,
		m.unclassified,
		m.actionExecutions,
		m.pluginErrors,
		m.providerErrors,
		m.pipelineDuration,
		m.registeredDomains,
	)

	return m, nil
}

// RecordEntityReceived increments the received counter for a domain.
func (m *Metrics) RecordEntityReceived(domain string) {
	if m == nil || m.entitiesReceived == nil {
		return
	}
	m.entitiesReceived.WithLabelValues(domain).Inc()
}

// RecordEntityProcessed records the end of an entity's pipeline.
func (m *Metrics) RecordEntityProcessed(domain, status string, duration time.Duration) {
	if m == nil || m.entitiesProcessed == nil {
		return
	}
	m.entitiesProcessed.WithLabelValues(domain, status).Inc()
	m.pipelineDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordClassification records a winning classification.
func (m *Metrics) RecordClassification(domain, typ string) {
	if m == nil || m.classifications == nil {
		return
	}
	m.classifications.WithLabelValues(domain, typ).Inc()
}

// RecordUnclassified records an entity without a winning classification.
func (m *Metrics) RecordUnclassified(domain string) {
	if m == nil || m.unclassified == nil {
		return
	}
	m.unclassified.WithLabelValues(domain).Inc()
}

// RecordActionExecution records an action run and its outcome.
func (m *Metrics) RecordActionExecution(domain, action string, success bool) {
	if m == nil || m.actionExecutions == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.actionExecutions.WithLabelValues(domain, action, status).Inc()
}

// RecordPluginError records a classifier or action error.
func (m *Metrics) RecordPluginError(domain, kind, pluginID string) {
	if m == nil || m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(domain, kind, pluginID).Inc()
}

// RecordProviderError records a failed provider fetch.
func (m *Metrics) RecordProviderError(domain string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(domain).Inc()
}

// SetRegisteredDomains sets the current number of registered domains.
func (m *Metrics) SetRegisteredDomains(count int) {
	if m == nil || m.registeredDomains == nil {
		return
	}
	m.registeredDomains.Set(float64(count))
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServer returns an HTTP server exposing the metrics endpoint, or nil when
// metrics are disabled. The caller owns its lifecycle.
func (m *Metrics) NewServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
