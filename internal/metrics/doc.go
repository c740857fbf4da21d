/*
Package metrics collects the Prometheus gauges/counters SPEC_FULL.md §10's
ambient observability component calls for: cache hit/miss rate, outbox
pending/failed depth and dead-letter counts, WAL unapplied-row counts, and
per-mount circuit-breaker state.

There is no HTTP server or "/debug/*" endpoint here — SPEC_FULL.md §13
excludes transport servers entirely, so Collector only owns a
*prometheus.Registry; a caller that wants to expose it can gather it
directly via Collector.Registry().

A nil *Collector is always valid: every recording method is a nil-receiver
no-op, so internal/syncengine and internal/cachedbackend can accept an
optional *Collector and skip recording entirely when none is configured.
internal/walstore does not record metrics itself; the sync engine records
the WAL and outbox figures it reads from the store.
*/
package metrics
