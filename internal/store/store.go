// ABOUTME: KV interface and entry types for the connection registry's backing store
// ABOUTME: TTL-capable, versioned compare-and-swap writes plus bounded list append

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap sees a different version
var ErrConflict = errors.New("version conflict")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Entry is a stored value with its version token.
// Version increases on every write to the key and is never reused.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time // zero means no expiry
}

// KV defines the backing key-value store used by the connection registry.
// A ttl of zero means the key does not expire.
type KV interface {
	// Get returns the live entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// CompareAndSwap writes value only if the key's current version equals
	// expectedVersion. An expectedVersion of 0 means the key must be absent
	// or expired. Returns the new version, or ErrConflict.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error)

	// Set writes value unconditionally and returns the new version.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets the TTL of a live key, or returns ErrNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Append pushes value onto the list at key, trims the list to the newest
	// maxLen items (0 keeps everything) and refreshes the list TTL.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error

	// List returns the live items of the list at key, oldest first.
	List(ctx context.Context, key string) ([][]byte, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// expiry converts a ttl into an absolute deadline relative to now.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// live reports whether a deadline has not yet passed.
func live(now, expiresAt time.Time) bool {
	return expiresAt.IsZero() || now.Before(expiresAt)
}
