// Package fleet holds the shared keeper-identity data types (spec.md
// §3's KeeperInfo and Heartbeat) and the coordination-store key
// conventions built on them. It exists so the keeper node (the writer)
// and the failover supervisor (the reader) can agree on shape and key
// names without importing one another.
package fleet
