// ABOUTME: Tests for the Connection Registry
// ABOUTME: Covers supersede races, stale disconnects, restore, heartbeat, breaker and degraded mode

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/netra-gateway/internal/config"
	"github.com/2389/netra-gateway/internal/store"
)

var errStoreDown = errors.New("store down")

// flakyKV wraps a KV and can be told to fail or stall every call.
type flakyKV struct {
	store.KV
	failing atomic.Bool
	calls   atomic.Int32
	gate    chan struct{} // when non-nil, calls wait on it
	gateMu  sync.Mutex
}

func newFlakyKV() *flakyKV {
	return &flakyKV{KV: store.NewMemoryKV()}
}

func (f *flakyKV) stall() {
	f.gateMu.Lock()
	f.gate = make(chan struct{})
	f.gateMu.Unlock()
}

func (f *flakyKV) release() {
	f.gateMu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.gateMu.Unlock()
}

func (f *flakyKV) before(ctx context.Context) error {
	f.calls.Add(1)
	f.gateMu.Lock()
	gate := f.gate
	f.gateMu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failing.Load() {
		return errStoreDown
	}
	return nil
}

func (f *flakyKV) Get(ctx context.Context, key string) (*store.Entry, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	return f.KV.Get(ctx, key)
}

func (f *flakyKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (int64, error) {
	if err := f.before(ctx); err != nil {
		return 0, err
	}
	return f.KV.CompareAndSwap(ctx, key, expected, value, ttl)
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	if err := f.before(ctx); err != nil {
		return 0, err
	}
	return f.KV.Set(ctx, key, value, ttl)
}

func (f *flakyKV) Delete(ctx context.Context, key string) error {
	if err := f.before(ctx); err != nil {
		return err
	}
	return f.KV.Delete(ctx, key)
}

func (f *flakyKV) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error {
	if err := f.before(ctx); err != nil {
		return err
	}
	return f.KV.Append(ctx, key, value, ttl, maxLen)
}

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		SessionTTL:       15 * time.Minute,
		ActiveTTL:        3 * time.Minute,
		HeartbeatTimeout: 90 * time.Second,
		StoreTimeout:     time.Second,
		BreakerCooldown:  50 * time.Millisecond,
		BreakerThreshold: 3,
		HistoryLimit:     5,
	}
}

func newTestRegistry(t *testing.T, kv store.KV) *Registry {
	t.Helper()
	return New(kv, testConfig(), "test-instance", nil)
}

func TestRegister_FirstConnection(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	res := r.Register(ctx, "u1", "c1", map[string]any{"thread": "t1"})
	require.True(t, res.Installed)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Superseded)
	assert.Positive(t, res.Record.Version)

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c1", rec.ConnectionID)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, "test-instance", rec.InstanceID)
	assert.Equal(t, "t1", rec.SessionPayload["thread"])
}

func TestRegister_WritesConnectionPointer(t *testing.T) {
	kv := store.NewMemoryKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	r.Register(ctx, "u1", "c1", nil)
	e, err := kv.Get(ctx, "conn:active:c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", string(e.Value))

	r.Register(ctx, "u1", "c2", nil)
	_, err = kv.Get(ctx, "conn:active:c1")
	assert.ErrorIs(t, err, store.ErrNotFound, "superseded pointer must be removed")
}

func TestRegister_Supersedes(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	first := r.Register(ctx, "u1", "c1", nil)
	second := r.Register(ctx, "u1", "c2", nil)

	require.True(t, second.Installed)
	assert.Equal(t, "c2", second.Record.ConnectionID)
	assert.Equal(t, []string{"c1"}, second.Superseded)
	assert.Greater(t, second.Record.Version, first.Record.Version)

	history, err := r.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c1", history[0].ConnectionID)
	assert.Equal(t, StatusDisconnected, history[0].Status)
	assert.NotNil(t, history[0].DisconnectedAt)
}

func TestRegister_HistoryTrimmed(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	for i := range 10 {
		r.Register(ctx, "u1", fmt.Sprintf("c%d", i), nil)
	}

	history, err := r.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, "c4", history[0].ConnectionID)
	assert.Equal(t, "c8", history[4].ConnectionID)
}

func TestRegister_ConcurrentSameUser(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	const n = 50
	results := make([]RegisterResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Register(ctx, "u1", fmt.Sprintf("c%02d", i), nil)
		}(i)
	}
	wg.Wait()

	final, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.True(t, final.Active())

	superseded := map[string]int{}
	for _, res := range results {
		require.True(t, res.Installed)
		require.False(t, res.Degraded)
		for _, id := range res.Superseded {
			superseded[id]++
		}
	}

	assert.Len(t, superseded, n-1, "every connection but the survivor is superseded")
	for id, count := range superseded {
		assert.Equal(t, 1, count, "%s superseded more than once", id)
	}
	assert.NotContains(t, superseded, final.ConnectionID)
}

func TestRegister_TwoHandshakesTenMillisecondsApart(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]RegisterResult, 2)
	for i, id := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			results[i] = r.Register(ctx, "u1", id, nil)
		}(i, id)
	}
	wg.Wait()

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "second", rec.ConnectionID)
	assert.Equal(t, []string{"first"}, results[1].Superseded)

	// The transport closes the superseded socket, whose disconnect is stale
	changed, err := r.MarkDisconnected(ctx, "u1", "first")
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err = r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	assert.Equal(t, "second", rec.ConnectionID)
}

func TestMarkDisconnected(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	r.Register(ctx, "u1", "c1", map[string]any{"k": "v"})

	changed, err := r.MarkDisconnected(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusDisconnected, rec.Status)
	assert.NotNil(t, rec.DisconnectedAt)

	// Second disconnect is a no-op
	changed, err = r.MarkDisconnected(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, changed)

	// Unknown user is a no-op
	changed, err = r.MarkDisconnected(ctx, "nobody", "c9")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRestoreSession(t *testing.T) {
	kv := store.NewMemoryKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	_, ok := r.RestoreSession(ctx, "u1")
	assert.False(t, ok)

	r.Register(ctx, "u1", "c1", nil)
	require.NoError(t, r.UpdateSession(ctx, "u1", "c1", map[string]any{"thread_id": "t-42"}))
	_, err := r.MarkDisconnected(ctx, "u1", "c1")
	require.NoError(t, err)

	payload, ok := r.RestoreSession(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "t-42", payload["thread_id"])

	// A reconnect carrying the restored payload becomes active again
	res := r.Register(ctx, "u1", "c2", payload)
	assert.Empty(t, res.Superseded, "disconnected records are not superseded")
	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t-42", rec.SessionPayload["thread_id"])
}

func TestUpdateSession_NotActive(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	r.Register(ctx, "u1", "c1", nil)
	assert.ErrorIs(t, r.UpdateSession(ctx, "u1", "other", nil), ErrNotActive)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Register(ctx, "u1", "c1", nil)

	now = now.Add(time.Minute)
	require.NoError(t, r.Heartbeat(ctx, "u1", "c1"))

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.LastActivity.Equal(now), "last activity = %v, want %v", rec.LastActivity, now)
	assert.True(t, rec.LastActivity.After(rec.CreatedAt))

	assert.ErrorIs(t, r.Heartbeat(ctx, "u1", "stale"), ErrNotActive)
	assert.ErrorIs(t, r.Heartbeat(ctx, "nobody", "c1"), ErrNotActive)
}

func TestBreaker_OpensAndDegrades(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	kv.failing.Store(true)

	// Each failed register costs one failed store read
	for i := range 3 {
		res := r.Register(ctx, "u1", fmt.Sprintf("c%d", i), nil)
		assert.True(t, res.Installed)
		assert.True(t, res.Degraded)
	}
	assert.False(t, r.Healthy())
	assert.Equal(t, "open", r.BreakerState())

	callsBefore := kv.calls.Load()
	start := time.Now()
	res := r.Register(ctx, "u2", "c9", nil)
	assert.Less(t, time.Since(start), 20*time.Millisecond, "open breaker must answer immediately")
	assert.True(t, res.Installed)
	assert.True(t, res.Degraded)
	assert.Equal(t, callsBefore, kv.calls.Load(), "open breaker must not touch the store")

	// Degraded entries still resolve locally
	rec, err := r.Lookup(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "c9", rec.ConnectionID)
	assert.True(t, rec.Degraded)

	_, ok := r.RestoreSession(ctx, "u2")
	assert.False(t, ok, "degraded mode never restores")
}

func TestBreaker_SingleTrialAfterCooldown(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	kv.failing.Store(true)
	for i := range 3 {
		r.Register(ctx, fmt.Sprintf("u%d", i), "c", nil)
	}
	require.Equal(t, "open", r.BreakerState())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, "half-open", r.BreakerState())

	kv.failing.Store(false)
	kv.stall()
	callsBefore := kv.calls.Load()

	trial := make(chan RegisterResult, 1)
	go func() { trial <- r.Register(ctx, "trial-user", "trial-conn", nil) }()

	require.Eventually(t, func() bool { return kv.calls.Load() == callsBefore+1 },
		time.Second, time.Millisecond, "trial call should reach the store")

	// While the trial is in flight every other call is refused immediately
	for i := range 5 {
		res := r.Register(ctx, fmt.Sprintf("other-%d", i), "c", nil)
		assert.True(t, res.Degraded)
	}
	assert.Equal(t, callsBefore+1, kv.calls.Load(), "only one trial call may reach the store")

	kv.release()
	res := <-trial
	assert.False(t, res.Degraded)
	assert.Equal(t, "closed", r.BreakerState())
	assert.True(t, r.Healthy())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	kv.failing.Store(true)
	for i := range 3 {
		r.Register(ctx, fmt.Sprintf("u%d", i), "c", nil)
	}
	time.Sleep(80 * time.Millisecond)

	res := r.Register(ctx, "u9", "c", nil)
	assert.True(t, res.Degraded)
	assert.Equal(t, "open", r.BreakerState())
}

func TestBreaker_NotFoundAndConflictAreNotFailures(t *testing.T) {
	r := newTestRegistry(t, store.NewMemoryKV())
	ctx := context.Background()

	for i := range 10 {
		rec, err := r.Lookup(ctx, fmt.Sprintf("missing-%d", i))
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Equal(t, "closed", r.BreakerState())
}

func TestStoreTimeoutCountsAsFailure(t *testing.T) {
	kv := newFlakyKV()
	cfg := testConfig()
	cfg.StoreTimeout = 10 * time.Millisecond
	r := New(kv, cfg, "test-instance", nil)
	ctx := context.Background()

	kv.stall()
	defer kv.release()

	start := time.Now()
	res := r.Register(ctx, "u1", "c1", nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Degraded)
}

func TestDegraded_HealthyRegisterReplacesLocal(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	kv.failing.Store(true)
	res := r.Register(ctx, "u1", "local-conn", nil)
	require.True(t, res.Degraded)
	assert.Equal(t, 1, r.DegradedCount())

	kv.failing.Store(false)
	res = r.Register(ctx, "u1", "healthy-conn", nil)
	require.False(t, res.Degraded)
	assert.Contains(t, res.Superseded, "local-conn")
	assert.Equal(t, 0, r.DegradedCount())

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "healthy-conn", rec.ConnectionID)
	assert.False(t, rec.Degraded)
}

func TestDegraded_DisconnectRemovesLocal(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	kv.failing.Store(true)
	r.Register(ctx, "u1", "local-conn", nil)
	require.NoError(t, r.Heartbeat(ctx, "u1", "local-conn"))

	changed, err := r.MarkDisconnected(ctx, "u1", "local-conn")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, r.DegradedCount())
}

func TestDegraded_LookupFallsBackToHealthyRegistration(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	require.True(t, r.Register(ctx, "u1", "c1", nil).Installed)
	kv.failing.Store(true)

	t.Run("held connection answered locally", func(t *testing.T) {
		rec, err := r.Lookup(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "c1", rec.ConnectionID)
		assert.True(t, rec.Active())
		assert.True(t, rec.Degraded)
	})

	t.Run("unknown user still fails", func(t *testing.T) {
		_, err := r.Lookup(ctx, "u2")
		assert.Error(t, err)
	})

	t.Run("heartbeat during outage is not a supersede", func(t *testing.T) {
		err := r.Heartbeat(ctx, "u1", "c1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotActive)
	})

	t.Run("disconnect releases the local answer", func(t *testing.T) {
		_, err := r.MarkDisconnected(ctx, "u1", "c1")
		assert.Error(t, err)

		_, err = r.Lookup(ctx, "u1")
		assert.Error(t, err)
	})
}

func TestDegraded_RegisterSupersedesHealthyConnection(t *testing.T) {
	kv := newFlakyKV()
	r := newTestRegistry(t, kv)
	ctx := context.Background()

	require.True(t, r.Register(ctx, "u1", "c1", nil).Installed)
	kv.failing.Store(true)

	res := r.Register(ctx, "u1", "c2", nil)
	require.True(t, res.Installed)
	require.True(t, res.Degraded)
	assert.Equal(t, []string{"c1"}, res.Superseded)

	assert.ErrorIs(t, r.Heartbeat(ctx, "u1", "c1"), ErrNotActive)
	assert.NoError(t, r.Heartbeat(ctx, "u1", "c2"))

	rec, err := r.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.ConnectionID)
	assert.True(t, rec.Degraded)
}
