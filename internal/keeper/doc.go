// Package keeper implements the Keeper Node of spec.md §4.8: the
// per-process lifecycle (registration, heartbeat, work subscription,
// progress reporting, leader-reverify scheduling) that every other
// coordinator component runs inside of. Leader election and sharding
// live in internal/leader; health classification and promotion live in
// internal/failover; this package is the glue that drives both from one
// process's perspective.
package keeper
