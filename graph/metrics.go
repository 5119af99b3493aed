package graph

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for workflow
// execution monitoring in production environments.
//
// Metrics exposed (all namespaced with "nodegraph_"):
//
// 1. active_executions (gauge): Runs currently admitted.
// Use: Compare against the admission limit.
//
// 2. inflight_nodes (gauge): Node calls currently executing.
//
// 3. node_latency_ms (histogram): Node duration from scheduling to final status.
// Labels: node_type, status (completed/failed).
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000].
//
// 4. retries_total (counter): Retry attempts.
// Labels: node_type.
//
// 5. executions_total (counter): Finished runs.
// Labels: status (completed/failed/stopped).
//
// 6. admission_rejections_total (counter): Runs rejected by the concurrency limit.
//
// 7. plugin_reloads_total (counter): Plugin reload attempts.
// Labels: plugin_id, result (success/error).
//
// Node ids and execution ids are not used as labels.
//
// All methods are safe on a nil receiver, which records nothing.
type PrometheusMetrics struct {
	activeExecutions prometheus.Gauge
	inflightNodes    prometheus.Gauge

	nodeLatency *prometheus.HistogramVec

	retries             *prometheus.CounterVec
	executions          *prometheus.CounterVec
	admissionRejections prometheus.Counter
	pluginReloads       *prometheus.CounterVec

	registry prometheus.Registerer

	// disabled suppresses recording (useful for testing).
	disabled atomic.Bool
}

// NewPrometheusMetrics creates and registers all metrics with registry.
// A nil registry means prometheus.DefaultRegisterer.
//
// Example:
//
// registry := prometheus.NewRegistry().
// metrics := NewPrometheusMetrics(registry).
// http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry}

	pm.activeExecutions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "nodegraph",
		Name:      "active_executions",
		Help:      "Number of workflow executions currently admitted",
	})

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "nodegraph",
		Name:      "inflight_nodes",
		Help:      "Number of node calls currently executing",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nodegraph",
		Name:      "node_latency_ms",
		Help:      "Node duration in milliseconds from scheduling to final status, retries included",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"node_type", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"node_type"})

	pm.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "executions_total",
		Help:      "Finished workflow executions by final status",
	}, []string{"status"})

	pm.admissionRejections = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "admission_rejections_total",
		Help:      "Executions rejected because the concurrency limit was reached",
	})

	pm.pluginReloads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodegraph",
		Name:      "plugin_reloads_total",
		Help:      "Plugin reload attempts by outcome",
	}, []string{"plugin_id", "result"}) // result: success, error

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	return pm != nil && !pm.disabled.Load()
}

// SetActiveExecutions sets the active_executions gauge.
func (pm *PrometheusMetrics) SetActiveExecutions(n int) {
	if !pm.on() {
		return
	}
	pm.activeExecutions.Set(float64(n))
}

// NodeStarted increments inflight_nodes.
func (pm *PrometheusMetrics) NodeStarted() {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Inc()
}

// NodeFinished decrements inflight_nodes and records the node's latency.
func (pm *PrometheusMetrics) NodeFinished(nodeType string, status NodeStatus, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Dec()
	pm.nodeLatency.WithLabelValues(nodeType, string(status)).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry of a node of nodeType.
func (pm *PrometheusMetrics) IncrementRetries(nodeType string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(nodeType).Inc()
}

// RecordExecution counts a finished run.
func (pm *PrometheusMetrics) RecordExecution(status ExecutionStatus) {
	if !pm.on() {
		return
	}
	pm.executions.WithLabelValues(string(status)).Inc()
}

// IncrementAdmissionRejections counts a run refused by the admission limit.
func (pm *PrometheusMetrics) IncrementAdmissionRejections() {
	if !pm.on() {
		return
	}
	pm.admissionRejections.Inc()
}

// RecordPluginReload counts a plugin reload; result is "success" or "error".
// It lets the plugin loader report through the same registry.
func (pm *PrometheusMetrics) RecordPluginReload(pluginID, result string) {
	if !pm.on() {
		return
	}
	pm.pluginReloads.WithLabelValues(pluginID, result).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() { pm.disabled.Store(true) }

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() { pm.disabled.Store(false) }

// Reset clears gauge values (useful for testing).
// Counters and histograms are cumulative and keep their observations.
func (pm *PrometheusMetrics) Reset() {
	pm.activeExecutions.Set(0)
	pm.inflightNodes.Set(0)
}
