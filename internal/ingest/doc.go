// Package ingest implements the Ingestion Engine of spec.md §4.6: the
// full-sync, hot-refresh, and resolution-monitor clocks, plus the
// push-driven significant-change handler, that together keep verse
// aggregates current and propagate them on-chain under the owning
// keeper's identity.
package ingest
