// ABOUTME: Thread-safe TTL set of tombstoned keys with bounded size
// ABOUTME: Used by the event bridge to reject events for runs that already finished

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type tombstone struct {
	expiresAt time.Time
	element   *list.Element
}

// Tombstones remembers keys for a fixed TTL. When full, the oldest key is
// evicted first. A background goroutine drops expired keys.
type Tombstones struct {
	mu      sync.Mutex
	keys    map[string]*tombstone
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Tombstones set. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int) *Tombstones {
	return newTombstones(ttl, maxSize, time.Now)
}

func newTombstones(ttl time.Duration, maxSize int, now func() time.Time) *Tombstones {
	t := &Tombstones{
		keys:    make(map[string]*tombstone),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval(ttl))
	return t
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < time.Minute:
		return ttl
	default:
		return time.Minute
	}
}

// Bury records key. Returns false if key was already buried and live, in
// which case its expiry is left untouched.
func (t *Tombstones) Bury(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if ts, ok := t.keys[key]; ok {
		if now.Before(ts.expiresAt) {
			return false
		}
		t.order.Remove(ts.element)
		delete(t.keys, key)
	}

	if t.maxSize > 0 && len(t.keys) >= t.maxSize {
		t.evictOldestLocked()
	}

	t.keys[key] = &tombstone{
		expiresAt: now.Add(t.ttl),
		element:   t.order.PushBack(key),
	}
	return true
}

// Buried reports whether key is buried and not yet expired.
func (t *Tombstones) Buried(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.keys[key]
	return ok && t.now().Before(ts.expiresAt)
}

// Forget removes key.
func (t *Tombstones) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok := t.keys[key]; ok {
		t.order.Remove(ts.element)
		delete(t.keys, key)
	}
}

// Len returns the number of keys held, including any not yet swept.
func (t *Tombstones) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}

func (t *Tombstones) evictOldestLocked() {
	front := t.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.keys, key)
}

// sweep drops expired keys. Insertion order matches expiry order because
// every key gets the same TTL, so it stops at the first live key.
func (t *Tombstones) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for e := t.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		if now.Before(t.keys[key].expiresAt) {
			break
		}
		next := e.Next()
		t.order.Remove(e)
		delete(t.keys, key)
		removed++
		e = next
	}
	return removed
}

func (t *Tombstones) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (t *Tombstones) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}
