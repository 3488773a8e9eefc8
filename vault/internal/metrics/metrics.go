// Package metrics defines the prometheus collectors for ingestion, custody and
// on-read verification.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evidence"

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can be constructed without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	ingestTotal      *prometheus.CounterVec
	dedupHits        prometheus.Counter
	mintDuration     prometheus.Histogram
	custodyAppends   *prometheus.CounterVec
	integrityChecks  *prometheus.CounterVec
	ledgerVerifies   *prometheus.CounterVec
	streamedEntries  *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registrar",
			Name:      "ingest_total",
			Help:      "Ingestion attempts by outcome.",
		}, []string{"outcome"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registrar",
			Name:      "dedup_hits_total",
			Help:      "Ingestions whose content was already stored.",
		}),
		mintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "mint_duration_seconds",
			Help:      "Latency of identity authority mint calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		custodyAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "appends_total",
			Help:      "Custody entries appended by action.",
		}, []string{"action"}),
		integrityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "integrity_checks_total",
			Help:      "On-read integrity checks by status.",
		}, []string{"status"}),
		ledgerVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "verifications_total",
			Help:      "Ledger chain verifications by result.",
		}, []string{"result"}),
		streamedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "custody",
			Name:      "streamed_total",
			Help:      "Custody outbox entries processed by the streamer, by result.",
		}, []string{"result"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "request_duration_seconds",
			Help:      "Verifier HTTP request duration.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.ingestTotal,
		m.dedupHits,
		m.mintDuration,
		m.custodyAppends,
		m.integrityChecks,
		m.ledgerVerifies,
		m.streamedEntries,
		m.requestDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IngestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *Metrics) ObserveMint(d time.Duration) {
	if m == nil {
		return
	}
	m.mintDuration.Observe(d.Seconds())
}

func (m *Metrics) CustodyAppended(action string) {
	if m == nil {
		return
	}
	m.custodyAppends.WithLabelValues(action).Inc()
}

func (m *Metrics) IntegrityChecked(status string) {
	if m == nil {
		return
	}
	m.integrityChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) LedgerVerified(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.ledgerVerifies.WithLabelValues(result).Inc()
}

func (m *Metrics) Streamed(result string) {
	if m == nil {
		return
	}
	m.streamedEntries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDurations.WithLabelValues(method, route, http.StatusText(status)).Observe(d.Seconds())
}
