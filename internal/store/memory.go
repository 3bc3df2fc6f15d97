// ABOUTME: In-memory KV implementation for tests and single-instance deployments
// ABOUTME: Keeps versions across expiry so tokens stay monotonic per key

package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

type memoryList struct {
	items     [][]byte
	expiresAt time.Time
}

// MemoryKV is an in-memory KV implementation.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]*memoryEntry
	lists  map[string]*memoryList
	closed bool
	now    func() time.Time
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]*memoryEntry),
		lists:  make(map[string]*memoryList),
		now:    time.Now,
	}
}

// Get returns the live entry for key.
func (m *MemoryKV) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.values[key]
	if !ok || !live(m.now(), e.expiresAt) {
		return nil, ErrNotFound
	}
	return &Entry{
		Key:       key,
		Value:     slices.Clone(e.value),
		Version:   e.version,
		ExpiresAt: e.expiresAt,
	}, nil
}

// CompareAndSwap writes value if the current version matches.
func (m *MemoryKV) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	var current, next int64
	if e, ok := m.values[key]; ok {
		next = e.version
		if live(now, e.expiresAt) {
			current = e.version
		}
	}
	if current != expectedVersion {
		return 0, ErrConflict
	}

	next++
	m.values[key] = &memoryEntry{
		value:     slices.Clone(value),
		version:   next,
		expiresAt: expiry(now, ttl),
	}
	return next, nil
}

// Set writes value unconditionally.
func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	var next int64 = 1
	if e, ok := m.values[key]; ok {
		next = e.version + 1
	}
	m.values[key] = &memoryEntry{
		value:     slices.Clone(value),
		version:   next,
		expiresAt: expiry(m.now(), ttl),
	}
	return next, nil
}

// Delete removes key. The version counter is kept as an expired tombstone.
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if e, ok := m.values[key]; ok {
		e.value = nil
		e.expiresAt = m.now().Add(-time.Nanosecond)
	}
	delete(m.lists, key)
	return nil
}

// Expire resets the TTL of a live key.
func (m *MemoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	now := m.now()
	if e, ok := m.values[key]; ok && live(now, e.expiresAt) {
		e.expiresAt = expiry(now, ttl)
		return nil
	}
	if l, ok := m.lists[key]; ok && live(now, l.expiresAt) {
		l.expiresAt = expiry(now, ttl)
		return nil
	}
	return ErrNotFound
}

// Append pushes value onto a list and trims it to maxLen.
func (m *MemoryKV) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.now()
	l, ok := m.lists[key]
	if !ok || !live(now, l.expiresAt) {
		l = &memoryList{}
		m.lists[key] = l
	}
	l.items = append(l.items, slices.Clone(value))
	if maxLen > 0 && len(l.items) > maxLen {
		l.items = slices.Clone(l.items[len(l.items)-maxLen:])
	}
	l.expiresAt = expiry(now, ttl)
	return nil
}

// List returns the live items of a list, oldest first.
func (m *MemoryKV) List(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.lists[key]
	if !ok || !live(m.now(), l.expiresAt) {
		return nil, nil
	}
	out := make([][]byte, len(l.items))
	for i, item := range l.items {
		out[i] = slices.Clone(item)
	}
	return out, nil
}

// Ping reports whether the store is open.
func (m *MemoryKV) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
