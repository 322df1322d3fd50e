// Package metrics exposes Prometheus instrumentation for the encryption
// engine. The host application owns the registry and the HTTP exporter; the
// engine only records.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so instrumentation can be disabled entirely.
type Metrics struct {
	cryptoOps        *prometheus.CounterVec
	auditEvents      *prometheus.CounterVec
	auditQueueDepth  prometheus.Gauge
	alertsRaised     prometheus.Counter
	rotationDuration prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

// New creates the engine collectors and registers them on the given
// registerer. The namespace prefixes every metric name.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cryptoOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_operations_total",
			Help:      "Total field encryption/decryption operations by operation and status.",
		}, []string{"operation", "status"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Total audit events by event family and outcome.",
		}, []string{"family", "outcome"}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Current depth of the audit submit queue.",
		}),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_alerts_total",
			Help:      "Total real-time alerts raised for high-risk events.",
		}),
		rotationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_rotation_duration_seconds",
			Help:      "Duration of completed key rotations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_hits_total",
			Help:      "Total key cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_misses_total",
			Help:      "Total key cache misses.",
		}),
	}

	collectors := []prometheus.Collector{
		m.cryptoOps, m.auditEvents, m.auditQueueDepth,
		m.alertsRaised, m.rotationDuration, m.cacheHits, m.cacheMisses,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordCryptoOp counts one encrypt/decrypt operation.
func (m *Metrics) RecordCryptoOp(operation, status string) {
	if m == nil {
		return
	}
	m.cryptoOps.WithLabelValues(operation, status).Inc()
}

// RecordAuditEvent counts one processed audit event.
func (m *Metrics) RecordAuditEvent(family, outcome string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(family, outcome).Inc()
}

// SetAuditQueueDepth publishes the current queue depth.
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}

// RecordAlert counts one raised alert.
func (m *Metrics) RecordAlert() {
	if m == nil {
		return
	}
	m.alertsRaised.Inc()
}

// RecordRotation observes one completed rotation.
func (m *Metrics) RecordRotation(d time.Duration) {
	if m == nil {
		return
	}
	m.rotationDuration.Observe(d.Seconds())
}

// RecordCacheHit counts one key cache hit.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss counts one key cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
