// Package store is the SQLite-backed reference remote authority.
//
// It holds the authoritative copy of every tracked entity and broadcasts
// each accepted write on a change log that clients tail as their push
// channel. The same schema also carries the client-local watermark table,
// so a client opens a second database file for its own durable state.
//
// # Tables
//
//   - records: JSON documents keyed by (tbl, id)
//   - changes: append-only change log (insert/update/delete), one row per write
//   - watermarks: last-seen timestamp per principal (client-local state)
//
// # Critical Patterns
//
// Write Order:
//   - Every write appends to changes in the same transaction as the record
//   - changes.seq is AUTOINCREMENT, so it is monotonic across processes
//   - Subscribers receive changes ORDER BY seq ASC, i.e. authority write order
//
// Push Channel:
//   - Subscribe starts at the current head; only future writes are delivered
//   - In-process writes wake subscribers immediately; writes from other
//     processes are picked up by polling every poll interval
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
