// Package metrics defines the Prometheus collectors for the preference API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swiftnotes"

// Read sources and update results used as label values.
const (
	SourceCache = "cache"
	SourceStore = "store"

	ResultOK          = "ok"
	ResultInvalid     = "invalid"
	ResultNotFound    = "not_found"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	PreferenceReads   *prometheus.CounterVec
	PreferenceUpdates *prometheus.CounterVec
	HealedDocuments   prometheus.Counter
	CacheErrors       prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry, registry)
}

func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		gatherer: gatherer,
		PreferenceReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preferences",
			Name:      "reads_total",
			Help:      "Preference document reads by source.",
		}, []string{"source"}),
		PreferenceUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preferences",
			Name:      "updates_total",
			Help:      "Preference update requests by result.",
		}, []string{"result"}),
		HealedDocuments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preferences",
			Name:      "healed_documents_total",
			Help:      "Stored preference values read back as an object after normalization.",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Failed preference cache operations.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRead(source string) {
	if m == nil {
		return
	}
	m.PreferenceReads.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveUpdate(result string) {
	if m == nil {
		return
	}
	m.PreferenceUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHealed() {
	if m == nil {
		return
	}
	m.HealedDocuments.Inc()
}

func (m *Metrics) ObserveCacheError() {
	if m == nil {
		return
	}
	m.CacheErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
