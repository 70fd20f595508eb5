// Package store defines the Coordination Store Adapter from spec.md §4.7:
// the narrow set of key-value, TTL, lease, pub/sub, list, and counter
// operations that every other component (registry, heartbeats, leader
// lease, work assignment, the retry queue) is built on. Values are always
// opaque byte strings; callers own JSON encoding.
//
// Store is implemented here by an in-memory reference store suitable for
// a single process or for tests. A production deployment backs the same
// interface with a real shared store; nothing above this package knows
// the difference.
package store
