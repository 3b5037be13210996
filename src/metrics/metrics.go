package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the instrumentation of one engine. Everything hangs off
// an explicit registry so several engines can coexist in a process. A nil
// *Metrics disables collection; every method is safe to call on it.
type Metrics struct {
	registry *prometheus.Registry

	transactionsSubmitted prometheus.Counter
	transactionsDelivered prometheus.Counter
	blocksSealed          prometheus.Counter
	handlerErrors         prometheus.Counter
	chunksVerified        prometheus.Counter
	chunkHashFailures     prometheus.Counter
	sessionsActive        prometheus.Gauge
	chainHeight           prometheus.Gauge
}

// New creates a Metrics set backed by a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		transactionsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_transactions_submitted_total",
			Help: "Transactions submitted to the pending pool by this node.",
		}),
		transactionsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_transactions_delivered_total",
			Help: "Sealed transactions dispatched to handlers on this node.",
		}),
		blocksSealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_blocks_sealed_total",
			Help: "Blocks sealed by this node.",
		}),
		handlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_handler_errors_total",
			Help: "Message handler invocations that returned an error.",
		}),
		chunksVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_chunks_verified_total",
			Help: "File transfer chunks received and hash-verified.",
		}),
		chunkHashFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_chunk_hash_failures_total",
			Help: "File transfer chunks rejected because their hash did not match.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_sessions_active",
			Help: "Sessions currently marked connected.",
		}),
		chainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_chain_height",
			Help: "Number of blocks in the local chain, genesis included.",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSubmitted ...
func (m *Metrics) IncSubmitted() {
	if m == nil {
		return
	}
	m.transactionsSubmitted.Inc()
}

// AddDelivered ...
func (m *Metrics) AddDelivered(n int) {
	if m == nil {
		return
	}
	m.transactionsDelivered.Add(float64(n))
}

// IncBlocksSealed ...
func (m *Metrics) IncBlocksSealed() {
	if m == nil {
		return
	}
	m.blocksSealed.Inc()
}

// IncHandlerErrors ...
func (m *Metrics) IncHandlerErrors() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

// IncChunksVerified ...
func (m *Metrics) IncChunksVerified() {
	if m == nil {
		return
	}
	m.chunksVerified.Inc()
}

// IncChunkHashFailures ...
func (m *Metrics) IncChunkHashFailures() {
	if m == nil {
		return
	}
	m.chunkHashFailures.Inc()
}

// SetSessionsActive ...
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// SetChainHeight ...
func (m *Metrics) SetChainHeight(h int) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(h))
}
