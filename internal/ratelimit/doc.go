// Package ratelimit implements the keeper fleet's outbound request
// policing: a lazily-refilled token bucket, a priority queue of waiters,
// a tiered limiter with retry/backoff and an emergency mode, and the
// rolling logs backing adaptive-backoff and compliance reporting.
package ratelimit
