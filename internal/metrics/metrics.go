// Package metrics exposes the Prometheus collectors shared by the server and
// worker processes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name
const Namespace = "storefront_crm"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// which keeps tests and tools free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	webhooksReceived   *prometheus.CounterVec
	webhookDeadLetters *prometheus.CounterVec
	messagesHandled    *prometheus.CounterVec
	recordsImported    *prometheus.CounterVec
	syncRuns           *prometheus.CounterVec
	segmentChanges     *prometheus.CounterVec
	emailsSent         *prometheus.CounterVec
	platformWait       prometheus.Histogram
	httpDuration       *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
}

// New creates a registry with process and Go runtime collectors plus the
// CRM collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries received, by topic and ingest result.",
		}, []string{"topic", "result"}),
		webhookDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "webhook_dead_letters_total",
			Help:      "Webhook deliveries that exhausted their retries.",
		}, []string{"topic"}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_messages_handled_total",
			Help:      "Dispatch queue messages handled, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		recordsImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_imported_total",
			Help:      "Customers and orders applied by syncs.",
		}, []string{"kind"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_runs_total",
			Help:      "Finished sync runs, by type and terminal status.",
		}, []string{"type", "status"}),
		segmentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "segment_changes_total",
			Help:      "RFM segment transitions, by new segment.",
		}, []string{"segment"}),
		emailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "emails_total",
			Help:      "Email actions, by resulting message status.",
		}, []string{"status"}),
		platformWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "platform_cost_wait_seconds",
			Help:      "Time spent waiting for the platform cost budget to restore.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Dispatch queue depth, by state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.webhooksReceived,
		m.webhookDeadLetters,
		m.messagesHandled,
		m.recordsImported,
		m.syncRuns,
		m.segmentChanges,
		m.emailsSent,
		m.platformWait,
		m.httpDuration,
		m.queueDepth,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WebhookReceived(topic, result string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) WebhookDeadLettered(topic string) {
	if m == nil {
		return
	}
	m.webhookDeadLetters.WithLabelValues(topic).Inc()
}

func (m *Metrics) MessageHandled(topic, outcome string) {
	if m == nil {
		return
	}
	m.messagesHandled.WithLabelValues(topic, outcome).Inc()
}

// RecordsImported adds applied record counts
func (m *Metrics) RecordsImported(customers, orders int) {
	if m == nil {
		return
	}
	m.recordsImported.WithLabelValues("customer").Add(float64(customers))
	m.recordsImported.WithLabelValues("order").Add(float64(orders))
}

func (m *Metrics) SyncFinished(syncType, status string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(syncType, status).Inc()
}

func (m *Metrics) SegmentChanged(segment string) {
	if m == nil {
		return
	}
	m.segmentChanges.WithLabelValues(segment).Inc()
}

func (m *Metrics) EmailResult(status string) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(status).Inc()
}

func (m *Metrics) PlatformWait(d time.Duration) {
	if m == nil {
		return
	}
	m.platformWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}

// SetQueueDepth publishes a snapshot of queue depths
func (m *Metrics) SetQueueDepth(ready, delayed, processing, dead int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("ready").Set(float64(ready))
	m.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues("processing").Set(float64(processing))
	m.queueDepth.WithLabelValues("dead").Set(float64(dead))
}
