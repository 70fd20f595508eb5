// Package leader implements the lease-based leader election and
// consistent-hash work sharding of spec.md §4.9: a single lease key
// decides the leader, and the leader alone recomputes and publishes the
// {keeper_id -> [market_id]} assignment map whenever the active-keeper
// set or market universe changes.
package leader
