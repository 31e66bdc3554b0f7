// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records Prometheus metrics for the service.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Checkpoint metrics
	checkpointWritesTotal *prometheus.CounterVec
	checkpointBytes       *prometheus.HistogramVec

	// Span export metrics
	spanExportBatches  *prometheus.CounterVec
	spanExportedTotal  prometheus.Counter
	spanExportFailures prometheus.Counter

	// Fork metrics
	forkOperationsTotal *prometheus.CounterVec

	// Database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates and registers the metrics collector.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP metrics
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Checkpoint metrics
	c.checkpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"status"}, // ok, validation_error, storage_error
	)

	c.checkpointBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes",
			Help:      "Serialized checkpoint payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"format"}, // json, gob
	)

	// Span export metrics
	c.spanExportBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "span_export_batches_total",
			Help:      "Total number of span export batches",
		},
		[]string{"status"}, // ok, failed
	)

	c.spanExportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_exported_total",
			Help:      "Total number of spans written to storage",
		},
	)

	c.spanExportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "span_export_failures_total",
			Help:      "Total number of spans dropped on export failure",
		},
	)

	// Fork metrics
	c.forkOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fork_operations_total",
			Help:      "Total number of fork operations",
		},
		[]string{"operation", "status"}, // resume/branch/update_state
	)

	// Database metrics
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCheckpointWrite records a checkpoint write attempt.
func (c *Collector) RecordCheckpointWrite(status string) {
	c.checkpointWritesTotal.WithLabelValues(status).Inc()
}

// RecordCheckpointBytes records the serialized payload size of a write.
func (c *Collector) RecordCheckpointBytes(format string, size int) {
	c.checkpointBytes.WithLabelValues(format).Observe(float64(size))
}

// RecordSpanExport records one span export batch.
func (c *Collector) RecordSpanExport(spans int, failed bool) {
	if failed {
		c.spanExportBatches.WithLabelValues("failed").Inc()
		c.spanExportFailures.Add(float64(spans))
		return
	}
	c.spanExportBatches.WithLabelValues("ok").Inc()
	c.spanExportedTotal.Add(float64(spans))
}

// RecordForkOperation records a resume/branch/update_state outcome.
func (c *Collector) RecordForkOperation(operation, status string) {
	c.forkOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDBConnections records connection pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode buckets an HTTP status code for the status label.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
