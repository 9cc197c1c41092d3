// Package store provides a SQLite-backed journal of detected conflicts.
//
// Conflicts live in the monitors' memory and vanish on restart; the journal
// keeps an audit trail of every conflict a replica detected and when it was
// resolved.
//
// # Ordering
//
//   - Rows are ordered by seq INTEGER (insertion order), never by timestamps
//   - All list queries use ORDER BY seq ASC, id ASC COLLATE BINARY
//
// # Idempotency
//
//   - id is UNIQUE; writing the same conflict twice is a no-op
//   - Marking a resolved conflict again keeps the first resolution time
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads are stored as RFC 8785 canonical JSON (see internal/cell).
package store
