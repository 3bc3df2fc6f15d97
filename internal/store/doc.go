// Package store provides the backing key-value store for the connection registry.
//
// # Model
//
// A KV holds two kinds of data:
//
//   - Versioned values: each write yields a new version token. CompareAndSwap
//     writes only when the caller's expected version still matches, and an
//     expected version of 0 means "absent or expired".
//   - Bounded lists: Append pushes to the tail and trims from the head so at
//     most maxLen items remain. Used for per-user connection history.
//
// Both carry an optional TTL. Expired data is invisible to readers
// immediately and is reclaimed later.
//
// # Implementations
//
//   - MemoryKV: process-local maps, used in tests and single-instance runs.
//   - SQLiteKV: modernc.org/sqlite with WAL, a single connection and a
//     background purge loop.
//
// # Usage
//
//	kv, err := store.NewSQLiteKV("/var/lib/netra/registry.db", 0)
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
//
//	v, err := kv.CompareAndSwap(ctx, "session:u1", 0, data, 15*time.Minute)
//	if errors.Is(err, store.ErrConflict) {
//	    // someone else wrote first; re-read and retry
//	}
package store
