// Package metrics exposes Prometheus collectors for the read layer.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainreader"

// Cache lookup results
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupStale       = "stale"
	LookupUnavailable = "unavailable"
)

// Metrics holds every collector
type Metrics struct {
	cacheLookups   *prometheus.CounterVec
	dedupJoins     *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	batchTrips     *prometheus.CounterVec
	batchItems     *prometheus.HistogramVec
	batchFallbacks *prometheus.CounterVec
	endpointHealth *prometheus.GaugeVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by key family and result.",
		}, []string{"family", "result"}),
		dedupJoins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_joins_total",
			Help:      "Reads that joined an in-flight call instead of starting one.",
		}, []string{"family"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_attempts_total",
			Help:      "Remote call attempts by outcome.",
		}, []string{"outcome"}),
		batchTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_round_trips_total",
			Help:      "Batched round trips by mechanism.",
		}, []string{"mechanism"}),
		batchItems: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Items per batched round trip.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"mechanism"}),
		batchFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fallbacks_total",
			Help:      "Batches re-issued as individual calls.",
		}, []string{"mechanism"}),
		endpointHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_health",
			Help:      "Endpoint health: 0 unknown, 1 healthy, 2 degraded, 3 down.",
		}, []string{"kind"}),
	}
}

// Family returns the domain prefix of a cache key
func Family(key string) string {
	if i := strings.IndexByte(key, '_'); i > 0 {
		return key[:i]
	}
	return key
}

// CacheLookup counts one lookup
func (m *Metrics) CacheLookup(key, result string) {
	m.cacheLookups.WithLabelValues(Family(key), result).Inc()
}

// DedupJoin counts a joined read
func (m *Metrics) DedupJoin(key string) {
	m.dedupJoins.WithLabelValues(Family(key)).Inc()
}

// Attempt counts one executor attempt
func (m *Metrics) Attempt(outcome string) {
	m.attempts.WithLabelValues(outcome).Inc()
}

// BatchRoundTrip counts one batched round trip
func (m *Metrics) BatchRoundTrip(mechanism string, items int) {
	m.batchTrips.WithLabelValues(mechanism).Inc()
	m.batchItems.WithLabelValues(mechanism).Observe(float64(items))
}

// BatchFallback counts one batch falling back to individual calls
func (m *Metrics) BatchFallback(mechanism string, _ int) {
	m.batchFallbacks.WithLabelValues(mechanism).Inc()
}

// EndpointHealth records the health level of an endpoint kind
func (m *Metrics) EndpointHealth(kind string, level int) {
	m.endpointHealth.WithLabelValues(kind).Set(float64(level))
}
