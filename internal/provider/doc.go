// Package provider implements the Provider Client of spec.md §4.4: a
// paginated HTTP fetch routed through the tiered rate limiter, and a
// reconnecting push stream that decodes price, resolution, and dispute
// events for the ingestion engine.
package provider
