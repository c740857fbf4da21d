// Package metrics implements the ambient observability gauges SPEC_FULL.md
// §10's "Other" component calls for: outbox depth and dead-letter counts,
// cache hit/miss rates, and per-mount circuit-breaker state. Trimmed from
// the teacher's Collector down to the Prometheus registry and recording
// methods — the teacher's own "/metrics"+"/health"+"/debug/*" HTTP server
// is dropped per SPEC_FULL.md §13 (no transport servers are built); nothing
// in this package listens on a socket.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the Prometheus metrics the sync engine and cached
// backend record against as they run (the sync engine also records the
// WAL/outbox store's figures). A nil
// *Collector is valid everywhere it's accepted: every Record/Set method
// is a nil-receiver no-op, so wiring a collector into a mount is optional.
type Collector struct {
	registry *prometheus.Registry

	cacheRequests *prometheus.CounterVec
	outboxPending *prometheus.GaugeVec
	outboxFailed  *prometheus.GaugeVec
	outboxDeadLtr *prometheus.CounterVec
	outboxSynced  *prometheus.CounterVec
	walUnapplied  *prometheus.GaugeVec
	circuitState  *prometheus.GaugeVec
}

// NewCollector builds a Collector registered under namespace (e.g.
// "agentvfs"). Every metric is labeled by mount so a process serving
// several mounts reports one series per mount rather than one aggregate.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cached backend read requests, partitioned by hit/miss.",
		}, []string{"mount", "result"}),
		outboxPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Sync engine pending-write queue depth per mount.",
		}, []string{"mount"}),
		outboxFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_failed",
			Help:      "Outbox rows currently in the failed state per mount.",
		}, []string{"mount"}),
		outboxDeadLtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_letter_total",
			Help:      "Outbox rows that exhausted MaxRetries and were moved to dead-letter.",
		}, []string{"mount"}),
		outboxSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_synced_total",
			Help:      "Outbox rows successfully applied to a backend.",
		}, []string{"mount"}),
		walUnapplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_unapplied",
			Help:      "WAL rows not yet marked applied per mount.",
		}, []string{"mount"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per mount (0=closed, 1=half_open, 2=open).",
		}, []string{"mount"}),
	}
	for _, m := range []prometheus.Collector{
		c.cacheRequests, c.outboxPending, c.outboxFailed,
		c.outboxDeadLtr, c.outboxSynced, c.walUnapplied, c.circuitState,
	} {
		registry.MustRegister(m)
	}
	return c
}

// Registry exposes the underlying Prometheus registry for a caller that
// wants to gather it directly (e.g. into a combined process registry);
// this package itself never serves it over HTTP.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordCacheHit(mount string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(mount, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(mount string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(mount, "miss").Inc()
}

func (c *Collector) SetOutboxPending(mount string, n int) {
	if c == nil {
		return
	}
	c.outboxPending.WithLabelValues(mount).Set(float64(n))
}

func (c *Collector) SetOutboxFailed(mount string, n int) {
	if c == nil {
		return
	}
	c.outboxFailed.WithLabelValues(mount).Set(float64(n))
}

func (c *Collector) RecordOutboxDeadLetter(mount string) {
	if c == nil {
		return
	}
	c.outboxDeadLtr.WithLabelValues(mount).Inc()
}

func (c *Collector) RecordOutboxSynced(mount string) {
	if c == nil {
		return
	}
	c.outboxSynced.WithLabelValues(mount).Inc()
}

func (c *Collector) SetWALUnapplied(mount string, n int) {
	if c == nil {
		return
	}
	c.walUnapplied.WithLabelValues(mount).Set(float64(n))
}

// CircuitStateValue maps a circuit.State.String() value ("CLOSED",
// "HALF_OPEN", "OPEN") to the gauge's 0/1/2 encoding, since Prometheus
// gauges carry numeric values only.
func CircuitStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

func (c *Collector) SetCircuitState(mount string, state string) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(mount).Set(CircuitStateValue(state))
}
