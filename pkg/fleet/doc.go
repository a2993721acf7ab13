// Package fleet holds the engine's model of the platform: hosts,
// instances, server groups, aggregates and the active alarms.
//
// The Table is single-writer. Only the bus loop mutates it, either
// through HandleEvent or through the Auditor's completion callbacks.
// Readers receive copies. Compilation works on a Snapshot, a sorted deep
// copy that is never written after it is taken.
//
// Storage-replication host groups are not reported by any service; they
// are derived from the peer group of each storage host when a snapshot
// is taken.
package fleet
