// Package registry keeps exactly one active connection record per user.
//
// # Keys
//
//   - session:{user_id}: the canonical Record, written only by compare-and-swap
//   - conn:active:{connection_id}: the owning user id of a live connection
//   - conn_history:{user_id}: previous records, newest last, trimmed to
//     registry.history_limit
//
// # Concurrency
//
// Register reads the canonical record and swaps in the new one at the
// version it read. A conflict means another handshake for the same user won
// the race, so the loop re-reads and tries again; conflicts never reach the
// caller. Different users never touch the same key and never contend.
//
// # Failure handling
//
// Every store call goes through a gobreaker circuit breaker and is bounded by
// registry.store_timeout. ErrNotFound and ErrConflict are not failures. When
// the breaker is open or a call fails, Register still installs the
// connection, in an in-process map, and reports Degraded. Degraded entries
// are visible to Lookup on this instance only, are never restored, and last
// until the connection disconnects or a later healthy Register replaces them.
package registry
