// ABOUTME: Event Notification Bridge delivering agent lifecycle events to a user's live connection
// ABOUTME: Per-run state machine and FIFO lock, bounded retry, THINKING rate limit, never fails the producer

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/2389/netra-gateway/internal/config"
	"github.com/2389/netra-gateway/internal/dedupe"
	"github.com/2389/netra-gateway/internal/metrics"
	"github.com/2389/netra-gateway/internal/registry"
	"github.com/2389/netra-gateway/internal/tracectx"
)

// FrameType is the type field of every event frame.
const FrameType = "agent_event"

// ErrConnClosed is returned by Conn.Send once the connection is closed.
// It stops delivery retries.
var ErrConnClosed = errors.New("connection closed")

// Reasons reported in Result.Reason.
const (
	ReasonDelivered          = "delivered"
	ReasonNoActiveConnection = "no_active_connection"
	ReasonNotLocal           = "connection_not_local"
	ReasonLookupFailed       = "lookup_failed"
	ReasonInvalidTransition  = "invalid_transition"
	ReasonRunFinished        = "run_finished"
	ReasonUnknownKind        = "unknown_kind"
	ReasonRateLimited        = "rate_limited"
	ReasonConnectionClosed   = "connection_closed"
	ReasonSendFailed         = "send_failed"
	ReasonEncodeFailed       = "encode_failed"
)

// Conn is a live client connection the bridge can write to.
type Conn interface {
	ID() string
	// Send writes one frame. It returns ErrConnClosed once the connection is gone.
	Send(ctx context.Context, frame []byte) error
	// Context is cancelled when the connection closes.
	Context() context.Context
}

// Conns finds live connections held by this process.
type Conns interface {
	Conn(connectionID string) (Conn, bool)
}

// Resolver finds the canonical connection record for a user.
type Resolver interface {
	Lookup(ctx context.Context, userID string) (*registry.Record, error)
}

// Emitter is what the agent-execution side calls.
type Emitter interface {
	Emit(ctx context.Context, userID, runID string, kind Kind, payload map[string]any, tc *tracectx.TraceContext) Result
}

var _ Emitter = (*Bridge)(nil)

// Result describes what happened to one event.
type Result struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason"`
	Seq       uint64 `json:"seq,omitempty"`
}

// Frame is the JSON message written to the client.
type Frame struct {
	Type      string                `json:"type"`
	Event     Kind                  `json:"event"`
	RunID     string                `json:"run_id"`
	Seq       uint64                `json:"seq"`
	Payload   map[string]any        `json:"payload,omitempty"`
	Trace     *tracectx.WireContext `json:"trace,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

type run struct {
	mu       sync.Mutex
	state    Kind
	seq      uint64
	limiter  *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

// Bridge delivers events. It is safe for concurrent use.
type Bridge struct {
	resolver Resolver
	conns    Conns

	mu   sync.Mutex
	runs map[string]*run

	tombstones    *dedupe.Tombstones
	idleTTL       time.Duration
	maxRetries    int
	retryDelay    time.Duration
	thinkingRate  rate.Limit
	thinkingBurst int

	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bridge. Run state for runs that go quiet is dropped after
// bridge.tombstone_ttl; finished run ids are remembered for the same period.
// Once that window passes, an emit for a finished run_id starts a new run at
// seq 1, so callers must not reuse run ids.
func New(resolver Resolver, conns Conns, cfg config.BridgeConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	idle := cfg.TombstoneTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	b := &Bridge{
		resolver:      resolver,
		conns:         conns,
		runs:          make(map[string]*run),
		tombstones:    dedupe.New(idle, 0),
		idleTTL:       idle,
		maxRetries:    max(cfg.MaxRetries, 0),
		retryDelay:    cfg.RetryDelay,
		thinkingBurst: max(cfg.ThinkingBurst, 1),
		logger:        logger.With("component", "bridge"),
		now:           time.Now,
		done:          make(chan struct{}),
	}
	if cfg.ThinkingRate > 0 {
		b.thinkingRate = rate.Limit(cfg.ThinkingRate)
	}
	if b.retryDelay <= 0 {
		b.retryDelay = 50 * time.Millisecond
	}

	go b.sweepLoop()
	return b
}

// Close stops background work. Emit keeps working after Close but idle
// runs are no longer swept.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.tombstones.Close()
	})
}

// ActiveRuns returns the number of runs with in-memory state.
func (b *Bridge) ActiveRuns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *Bridge) runFor(runID string) *run {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.runs[runID]
	if !ok {
		r = &run{}
		if b.thinkingRate > 0 {
			r.limiter = rate.NewLimiter(b.thinkingRate, b.thinkingBurst)
		}
		b.runs[runID] = r
	}
	return r
}

func (b *Bridge) forget(runID string, r *run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runs[runID] == r {
		delete(b.runs, runID)
	}
	r.evicted = true
}

// Emit delivers one lifecycle event for runID to userID's active connection.
// It never returns an error; the Result says whether the event reached the
// client and why not.
func (b *Bridge) Emit(ctx context.Context, userID, runID string, kind Kind, payload map[string]any, tc *tracectx.TraceContext) Result {
	res := b.emit(ctx, userID, runID, kind, payload, tc)
	result := "delivered"
	if !res.Delivered {
		result = res.Reason
	}
	label := string(kind)
	if !kind.Valid() {
		// Unknown names come from callers; keep them out of label values.
		label = "unknown"
	}
	metrics.Events.WithLabelValues(label, result).Inc()
	return res
}

func (b *Bridge) emit(ctx context.Context, userID, runID string, kind Kind, payload map[string]any, tc *tracectx.TraceContext) Result {
	// Delivery outlives the producer's context; only the target
	// connection's lifetime and the store timeout bound it.
	ctx = context.WithoutCancel(ctx)

	logger := b.logger.With("user_id", userID, "run_id", runID, "event", kind)
	if tc != nil {
		logger = logger.With("trace_id", tc.TraceID().String(), "correlation_id", tc.CorrelationID())
	}

	if !kind.Valid() {
		logger.Warn("rejecting unknown event kind")
		return Result{Reason: ReasonUnknownKind}
	}

	if b.tombstones.Buried(runID) {
		logger.Warn("rejecting event for finished run")
		return Result{Reason: ReasonRunFinished}
	}

	// The run lock is held through the send so a run's events leave in the
	// order they were emitted.
	var r *run
	for {
		r = b.runFor(runID)
		r.mu.Lock()
		if !r.evicted {
			break
		}
		r.mu.Unlock()
	}
	defer r.mu.Unlock()

	if b.tombstones.Buried(runID) {
		b.forget(runID, r)
		logger.Warn("rejecting event for finished run")
		return Result{Reason: ReasonRunFinished}
	}

	if !kind.CanFollow(r.state) {
		logger.Warn("rejecting invalid transition", "from", r.state)
		return Result{Reason: ReasonInvalidTransition}
	}

	r.state = kind
	r.lastSeen = b.now()
	if kind.Terminal() {
		b.tombstones.Bury(runID)
		b.forget(runID, r)
	}

	if kind == KindThinking && r.limiter != nil && !r.limiter.Allow() {
		logger.Debug("dropping rate limited thinking event")
		return Result{Reason: ReasonRateLimited}
	}

	r.seq++
	seq := r.seq

	rec, err := b.resolver.Lookup(ctx, userID)
	if err != nil {
		logger.Warn("connection lookup failed", "error", err)
		return Result{Reason: ReasonLookupFailed, Seq: seq}
	}
	if !rec.Active() {
		logger.Debug("no active connection, event undelivered")
		return Result{Reason: ReasonNoActiveConnection, Seq: seq}
	}

	conn, ok := b.conns.Conn(rec.ConnectionID)
	if !ok {
		logger.Debug("active connection not held by this instance", "connection_id", rec.ConnectionID)
		return Result{Reason: ReasonNotLocal, Seq: seq}
	}

	frame := Frame{
		Type:      FrameType,
		Event:     kind,
		RunID:     runID,
		Seq:       seq,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	}
	if tc != nil {
		// A child context keeps the caller's context free of our span.
		child := tc.PropagateToChild()
		span := child.StartSpan("bridge.deliver", map[string]string{
			"run_id":        runID,
			"event":         string(kind),
			"connection_id": conn.ID(),
		})
		defer child.FinishSpan(span)
		wire := child.WebSocketContext()
		frame.Trace = &wire
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("failed to encode event frame", "error", err)
		return Result{Reason: ReasonEncodeFailed, Seq: seq}
	}

	if err := b.send(ctx, conn, data, logger); err != nil {
		if errors.Is(err, ErrConnClosed) || conn.Context().Err() != nil {
			logger.Debug("connection closed, giving up", "connection_id", conn.ID())
			return Result{Reason: ReasonConnectionClosed, Seq: seq}
		}
		logger.Warn("event delivery failed", "connection_id", conn.ID(), "error", err)
		return Result{Reason: ReasonSendFailed, Seq: seq}
	}

	return Result{Delivered: true, Reason: ReasonDelivered, Seq: seq}
}

// send writes data with bounded retries that stop when conn closes.
func (b *Bridge) send(ctx context.Context, conn Conn, data []byte, logger *slog.Logger) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryDelay
	eb.MaxInterval = 4 * b.retryDelay
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.maxRetries)), sendCtx)

	return backoff.RetryNotify(func() error {
		err := conn.Send(sendCtx, data)
		if errors.Is(err, ErrConnClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.DeliveryRetries.Inc()
		logger.Debug("retrying event delivery", "error", err, "wait", wait)
	})
}

func (b *Bridge) sweepLoop() {
	interval := min(b.idleTTL, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if n := b.sweepIdle(); n > 0 {
				b.logger.Debug("dropped idle runs", "count", n)
			}
		}
	}
}

// sweepIdle drops state for runs that have been quiet longer than idleTTL.
// Runs with an event in flight are skipped.
func (b *Bridge) sweepIdle() int {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for id, r := range b.runs {
		if !r.mu.TryLock() {
			continue
		}
		if r.lastSeen.Before(cutoff) {
			r.evicted = true
			delete(b.runs, id)
			dropped++
		}
		r.mu.Unlock()
	}
	return dropped
}
