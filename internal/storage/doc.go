// Package storage persists the state that outlives a process: dedup entries,
// alert rules with their trigger bookkeeping, user profiles and the audit log.
//
// Two drivers exist:
//   - memory: maps behind a mutex, used by default and in tests
//   - sqlite: a single database file through modernc.org/sqlite
package storage
