// Package store provides SQLite-backed durable storage for the archiver.
//
// The store holds:
//   - Archive invalidations: the durable work queue of "site/period needs recomputation"
//   - Archive runs: one row per coordinator process, used to tell orphaned claims
//     from claims that are still being worked
//   - Options: small key/value settings shared between processes
//   - Log events and archive reports: the raw input and the computed output
//     of a report computation
//
// # Concurrency
//
// Several archiver processes may open the same file. Exclusivity of work is
// never enforced with in-process locks: every state change on an invalidation
// is a single conditional UPDATE, and SQLite serialises writers. Lock contention
// surfaces as SQLITE_BUSY once busy_timeout expires; see IsBusy and WithRetry.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as unix nanoseconds.
package store
