// Package store persists job instances and their history.
//
// Drivers:
//   - memory: process-local maps (default)
//   - file:   JSON Lines journals next to a snapshot, replayed on open
//   - sqlite: modernc.org/sqlite database file
//
// GetRunningInstances is the source of truth for overlap checks. The sqlite
// driver serializes all access through one connection, so that read is
// consistent within one database file. It is still read-then-act across
// processes; cross-process exclusivity needs the lock provider.
package store
