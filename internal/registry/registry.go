// ABOUTME: Connection Registry enforcing one active connection per user
// ABOUTME: CAS-linearized writes behind a circuit breaker, with an in-process degraded fallback

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/2389/netra-gateway/internal/config"
	"github.com/2389/netra-gateway/internal/metrics"
	"github.com/2389/netra-gateway/internal/store"
)

// maxCASAttempts bounds the read-compare-write loop for one user key.
// Exhausting it is treated as a store failure and answered degraded.
const maxCASAttempts = 128

// ErrNotActive is returned by Heartbeat when the connection is not the
// user's active connection.
var ErrNotActive = errors.New("connection not active")

// errCASExhausted is counted by the breaker like any other store failure.
var errCASExhausted = errors.New("compare-and-swap retries exhausted")

// RegisterResult describes the outcome of Register.
type RegisterResult struct {
	// Installed is true whenever the connection may proceed.
	Installed bool
	// Degraded is true when the record lives only in this process.
	Degraded bool
	// Superseded lists connection ids that were active for the user before
	// this registration. Their sockets should be closed.
	Superseded []string
	Record     *Record
}

// Registry tracks the canonical connection per user.
type Registry struct {
	kv       store.KV
	breaker  *gobreaker.CircuitBreaker[any]
	instance string

	sessionTTL   time.Duration
	activeTTL    time.Duration
	storeTimeout time.Duration
	historyLimit int

	mu    sync.Mutex
	local map[string]*Record // degraded entries by user id
	held  map[string]*Record // healthy registrations owned by this instance, by user id

	logger *slog.Logger
	now    func() time.Time
}

// New creates a Registry over kv.
func New(kv store.KV, cfg config.RegistryConfig, instanceID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	r := &Registry{
		kv:           kv,
		instance:     instanceID,
		sessionTTL:   cfg.SessionTTL,
		activeTTL:    cfg.ActiveTTL,
		storeTimeout: cfg.StoreTimeout,
		historyLimit: cfg.HistoryLimit,
		local:        make(map[string]*Record),
		held:         make(map[string]*Record),
		logger:       logger,
		now:          time.Now,
	}

	threshold := uint32(max(cfg.BreakerThreshold, 1))
	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "registry-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(breakerGauge(to))
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict)
		},
	})
	metrics.BreakerState.Set(0)

	return r
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Healthy reports whether the breaker is letting store calls through.
func (r *Registry) Healthy() bool {
	return r.breaker.State() != gobreaker.StateOpen
}

// BreakerState returns the breaker state name: closed, half-open or open.
func (r *Registry) BreakerState() string {
	return r.breaker.State().String()
}

// call runs fn through the breaker with the store timeout applied.
func (r *Registry) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	return r.breaker.Execute(func() (any, error) {
		if r.storeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.storeTimeout)
			defer cancel()
		}
		start := time.Now()
		v, err := fn(ctx)
		metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return v, err
	})
}

// load reads the canonical record for userID. A missing record is (nil, nil).
func (r *Registry) load(ctx context.Context, userID string) (*Record, error) {
	v, err := r.call(ctx, "get", func(ctx context.Context) (any, error) {
		return r.kv.Get(ctx, sessionKey(userID))
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, _ := v.(*store.Entry)
	if e == nil {
		return nil, nil
	}
	return decodeRecord(e.Value, e.Version)
}

// swap writes rec over the version it was read at.
func (r *Registry) swap(ctx context.Context, rec *Record, expected int64, ttl time.Duration) (int64, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	v, err := r.call(ctx, "cas", func(ctx context.Context) (any, error) {
		return r.kv.CompareAndSwap(ctx, sessionKey(rec.UserID), expected, data, ttl)
	})
	if err != nil {
		return 0, err
	}
	version, _ := v.(int64)
	return version, nil
}

// Register installs connectionID as the user's active connection,
// superseding whatever was active before.
func (r *Registry) Register(ctx context.Context, userID, connectionID string, payload map[string]any) RegisterResult {
	now := r.now()
	rec := &Record{
		UserID:         userID,
		ConnectionID:   connectionID,
		InstanceID:     r.instance,
		Status:         StatusActive,
		SessionPayload: payload,
		CreatedAt:      now,
		LastActivity:   now,
	}

	var (
		prev    *Record
		version int64
		err     error
	)
	for attempt := 0; ; attempt++ {
		if attempt == maxCASAttempts {
			err = errCASExhausted
			break
		}
		prev, err = r.load(ctx, userID)
		if err != nil {
			break
		}
		var expected int64
		if prev != nil {
			expected = prev.Version
		}
		version, err = r.swap(ctx, rec, expected, r.activeTTL)
		if errors.Is(err, store.ErrConflict) {
			metrics.RegistryCASRetries.Inc()
			continue
		}
		break
	}

	if err != nil {
		return r.registerDegraded(rec, err)
	}
	rec.Version = version

	var superseded []string
	if prev != nil && prev.ConnectionID != connectionID {
		if prev.Active() {
			superseded = append(superseded, prev.ConnectionID)
			r.dropPointer(ctx, prev.ConnectionID)
		}
		if prev.Status != StatusDisconnected {
			prev.markDisconnected(now)
		}
		r.appendHistory(ctx, prev)
	}

	// A healthy write replaces any degraded local entry for this user.
	r.mu.Lock()
	if loc, ok := r.local[userID]; ok {
		delete(r.local, userID)
		if loc.ConnectionID != connectionID && !containsID(superseded, loc.ConnectionID) {
			superseded = append(superseded, loc.ConnectionID)
		}
	}
	// Concurrent handshakes may finish out of order; the highest version is
	// the one the store holds. Superseding is already reported from the
	// store read above.
	if h, ok := r.held[userID]; !ok || h.Version < version {
		r.held[userID] = rec.Clone()
	}
	r.mu.Unlock()

	if _, err := r.call(ctx, "set", func(ctx context.Context) (any, error) {
		return r.kv.Set(ctx, activeKey(connectionID), []byte(userID), r.activeTTL)
	}); err != nil {
		r.logger.Warn("failed to write connection pointer", "connection_id", connectionID, "error", err)
	}

	metrics.Registrations.WithLabelValues("installed").Inc()
	r.logger.Info("=== CONNECTION REGISTERED ===",
		"user_id", userID,
		"connection_id", connectionID,
		"version", version,
		"superseded", superseded,
	)

	return RegisterResult{
		Installed:  true,
		Superseded: superseded,
		Record:     rec.Clone(),
	}
}

func (r *Registry) registerDegraded(rec *Record, cause error) RegisterResult {
	rec.Degraded = true

	r.mu.Lock()
	var superseded []string
	if prev, ok := r.local[rec.UserID]; ok && prev.ConnectionID != rec.ConnectionID {
		superseded = append(superseded, prev.ConnectionID)
	}
	// A socket this instance registered while healthy is still live here
	// and loses to the new connection too.
	if h, ok := r.held[rec.UserID]; ok {
		if h.ConnectionID != rec.ConnectionID && !containsID(superseded, h.ConnectionID) {
			superseded = append(superseded, h.ConnectionID)
		}
		delete(r.held, rec.UserID)
	}
	r.local[rec.UserID] = rec
	r.mu.Unlock()

	metrics.Registrations.WithLabelValues("degraded").Inc()
	r.logger.Warn("registry degraded, connection held locally",
		"user_id", rec.UserID,
		"connection_id", rec.ConnectionID,
		"error", cause,
	)

	return RegisterResult{
		Installed:  true,
		Degraded:   true,
		Superseded: superseded,
		Record:     rec.Clone(),
	}
}

func (r *Registry) dropPointer(ctx context.Context, connectionID string) {
	if _, err := r.call(ctx, "delete", func(ctx context.Context) (any, error) {
		return nil, r.kv.Delete(ctx, activeKey(connectionID))
	}); err != nil {
		r.logger.Warn("failed to drop connection pointer", "connection_id", connectionID, "error", err)
	}
}

func (r *Registry) appendHistory(ctx context.Context, rec *Record) {
	data, err := encodeRecord(rec)
	if err != nil {
		r.logger.Error("failed to encode history record", "error", err)
		return
	}
	if _, err := r.call(ctx, "append", func(ctx context.Context) (any, error) {
		return nil, r.kv.Append(ctx, historyKey(rec.UserID), data, r.sessionTTL, r.historyLimit)
	}); err != nil {
		r.logger.Warn("failed to append connection history", "user_id", rec.UserID, "error", err)
	}
}

// Lookup returns the user's record in any status, or nil if there is none.
// A degraded local entry takes precedence over the store. When the store is
// unreachable, a connection this instance registered while healthy is
// returned marked Degraded.
func (r *Registry) Lookup(ctx context.Context, userID string) (*Record, error) {
	r.mu.Lock()
	if loc, ok := r.local[userID]; ok {
		r.mu.Unlock()
		return loc.Clone(), nil
	}
	r.mu.Unlock()

	rec, err := r.load(ctx, userID)
	if err != nil {
		if h := r.heldRecord(userID); h != nil {
			r.logger.Debug("store unavailable, answering from local registration",
				"user_id", userID,
				"connection_id", h.ConnectionID,
				"error", err,
			)
			h.Degraded = true
			return h, nil
		}
		return nil, fmt.Errorf("looking up %s: %w", userID, err)
	}
	return rec, nil
}

func (r *Registry) heldRecord(userID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[userID].Clone()
}

func (r *Registry) release(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.held[userID]; ok && h.ConnectionID == connectionID {
		delete(r.held, userID)
	}
}

// Heartbeat refreshes last activity and the TTLs of the user's active record.
// Returns ErrNotActive if connectionID is not that record.
func (r *Registry) Heartbeat(ctx context.Context, userID, connectionID string) error {
	now := r.now()

	r.mu.Lock()
	if loc, ok := r.local[userID]; ok {
		if loc.ConnectionID != connectionID {
			// A newer connection for the user was installed here while degraded.
			r.mu.Unlock()
			return ErrNotActive
		}
		loc.LastActivity = now
		r.mu.Unlock()
		return nil
	}
	if h, ok := r.held[userID]; ok && h.ConnectionID == connectionID {
		h.LastActivity = now
	}
	r.mu.Unlock()

	for range maxCASAttempts {
		rec, err := r.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		if !rec.Active() || rec.ConnectionID != connectionID {
			r.release(userID, connectionID)
			return ErrNotActive
		}
		rec.LastActivity = now
		_, err = r.swap(ctx, rec, rec.Version, r.activeTTL)
		if errors.Is(err, store.ErrConflict) {
			metrics.RegistryCASRetries.Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}

		if _, err := r.call(ctx, "expire", func(ctx context.Context) (any, error) {
			return nil, r.kv.Expire(ctx, activeKey(connectionID), r.activeTTL)
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("failed to refresh connection pointer", "connection_id", connectionID, "error", err)
		}
		return nil
	}
	return fmt.Errorf("heartbeat: %w", errCASExhausted)
}

// MarkDisconnected transitions the user's record to disconnected, but only if
// connectionID is still the active connection. Returns whether it changed.
func (r *Registry) MarkDisconnected(ctx context.Context, userID, connectionID string) (bool, error) {
	now := r.now()

	r.mu.Lock()
	if loc, ok := r.local[userID]; ok && loc.ConnectionID == connectionID {
		delete(r.local, userID)
		r.mu.Unlock()
		r.logger.Info("=== CONNECTION DISCONNECTED ===",
			"user_id", userID,
			"connection_id", connectionID,
			"degraded", true,
		)
		return true, nil
	}
	r.mu.Unlock()

	// The socket is gone whatever the store says.
	r.release(userID, connectionID)

	for range maxCASAttempts {
		rec, err := r.load(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("mark disconnected: %w", err)
		}
		if !rec.Active() || rec.ConnectionID != connectionID {
			r.logger.Debug("ignoring stale disconnect",
				"user_id", userID,
				"connection_id", connectionID,
			)
			return false, nil
		}

		rec.markDisconnected(now)
		_, err = r.swap(ctx, rec, rec.Version, r.sessionTTL)
		if errors.Is(err, store.ErrConflict) {
			metrics.RegistryCASRetries.Inc()
			continue
		}
		if err != nil {
			return false, fmt.Errorf("mark disconnected: %w", err)
		}

		r.dropPointer(ctx, connectionID)
		r.logger.Info("=== CONNECTION DISCONNECTED ===",
			"user_id", userID,
			"connection_id", connectionID,
		)
		return true, nil
	}
	return false, fmt.Errorf("mark disconnected: %w", errCASExhausted)
}

// RestoreSession returns the stored session payload for userID while its
// record survives. Degraded mode never restores.
func (r *Registry) RestoreSession(ctx context.Context, userID string) (map[string]any, bool) {
	if !r.Healthy() {
		return nil, false
	}
	rec, err := r.load(ctx, userID)
	if err != nil {
		r.logger.Warn("session restore unavailable", "user_id", userID, "error", err)
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	return rec.SessionPayload, true
}

// UpdateSession replaces the session payload of the user's active record.
// Degraded local entries are updated in place and are never persisted.
func (r *Registry) UpdateSession(ctx context.Context, userID, connectionID string, payload map[string]any) error {
	r.mu.Lock()
	if loc, ok := r.local[userID]; ok && loc.ConnectionID == connectionID {
		loc.SessionPayload = payload
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	for range maxCASAttempts {
		rec, err := r.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if !rec.Active() || rec.ConnectionID != connectionID {
			return ErrNotActive
		}
		rec.SessionPayload = payload
		rec.LastActivity = r.now()
		_, err = r.swap(ctx, rec, rec.Version, r.activeTTL)
		if errors.Is(err, store.ErrConflict) {
			metrics.RegistryCASRetries.Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	}
	return fmt.Errorf("update session: %w", errCASExhausted)
}

// History returns the user's previous connection records, oldest first.
func (r *Registry) History(ctx context.Context, userID string) ([]*Record, error) {
	v, err := r.call(ctx, "list", func(ctx context.Context) (any, error) {
		return r.kv.List(ctx, historyKey(userID))
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	items, _ := v.([][]byte)
	out := make([]*Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item, 0)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DegradedCount returns how many users are held only in this process.
func (r *Registry) DegradedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
