// Package metrics exposes calmweb's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calmweb"

// Metrics groups the collectors.
type Metrics struct {
	registry        *prometheus.Registry
	snapshotVersion prometheus.Gauge
	mutations       *prometheus.CounterVec
	usageEvents     *prometheus.CounterVec
	listDomains     *prometheus.GaugeVec
	refreshDuration prometheus.Histogram
	refreshes       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the most recently published snapshot.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "State mutations by operation and result.",
		}, []string{"op", "result"}),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Recorded usage events by outcome.",
		}, []string{"outcome"}),
		listDomains: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "list_domains",
			Help:      "Domains per list and provenance.",
		}, []string{"list", "source"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_refresh_duration_seconds",
			Help:      "Duration of external list refreshes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_refreshes_total",
			Help:      "External list refreshes by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.snapshotVersion,
		m.mutations,
		m.usageEvents,
		m.listDomains,
		m.refreshDuration,
		m.refreshes,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// SnapshotPublished records the version of a new snapshot.
func (m *Metrics) SnapshotPublished(version uint64) {
	if m == nil {
		return
	}
	m.snapshotVersion.Set(float64(version))
}

// Mutation counts one mutation.
func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

// UsageEvent counts one recorded event.
func (m *Metrics) UsageEvent(outcome string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(outcome).Inc()
}

// ListSize records the size of one list subset.
func (m *Metrics) ListSize(list, source string, n int) {
	if m == nil {
		return
	}
	m.listDomains.WithLabelValues(list, source).Set(float64(n))
}

// Refresh records one external refresh.
func (m *Metrics) Refresh(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(result).Inc()
}
