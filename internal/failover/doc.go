// Package failover implements the Failover Supervisor of spec.md §4.10:
// per-keeper health classification from heartbeats, consecutive-failure
// escalation to permanent removal, primary-vs-backup promotion, and
// round-robin work redistribution after any failure. One instance runs
// inside every keeper; only the decisions the current leader publishes
// are authoritative.
package failover
