// ABOUTME: TraceContext holds the identifiers that tie one request chain together
// ABOUTME: Provides New, PropagateToChild, and context.Context carriage helpers

package tracectx

import (
	"context"
	"crypto/rand"
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext is the propagated identity of one logical request chain.
// Only the span stack mutates after creation; everything else is fixed.
// A TraceContext must not be mutated from more than one goroutine.
type TraceContext struct {
	traceID       trace.TraceID
	parentSpanID  trace.SpanID
	flags         trace.TraceFlags
	baggage       map[string]string
	correlationID string
	userID        string
	threadID      string
	requestID     string

	spans []*Span
}

// New creates a sampled context with a fresh trace id and empty baggage.
// An empty correlationID is replaced with a generated one.
func New(userID, threadID, correlationID string) *TraceContext {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &TraceContext{
		traceID:       newTraceID(),
		flags:         trace.FlagsSampled,
		baggage:       map[string]string{},
		correlationID: correlationID,
		userID:        userID,
		threadID:      threadID,
	}
}

// newWithBaggage assembles a context parsed from the wire.
func newWithBaggage(traceID trace.TraceID, parent trace.SpanID, flags trace.TraceFlags, baggage map[string]string) *TraceContext {
	if baggage == nil {
		baggage = map[string]string{}
	}
	return &TraceContext{
		traceID:      traceID,
		parentSpanID: parent,
		flags:        flags,
		baggage:      baggage,
	}
}

// TraceID returns the 128-bit trace id.
func (tc *TraceContext) TraceID() trace.TraceID { return tc.traceID }

// ParentSpanID returns the remote parent span id, invalid if none.
func (tc *TraceContext) ParentSpanID() trace.SpanID { return tc.parentSpanID }

// Sampled reports whether the sampled flag is set.
func (tc *TraceContext) Sampled() bool { return tc.flags.IsSampled() }

// CorrelationID returns the correlation id.
func (tc *TraceContext) CorrelationID() string { return tc.correlationID }

// UserID returns the user id.
func (tc *TraceContext) UserID() string { return tc.userID }

// ThreadID returns the thread id.
func (tc *TraceContext) ThreadID() string { return tc.threadID }

// RequestID returns the request id.
func (tc *TraceContext) RequestID() string { return tc.requestID }

// Baggage returns a copy of the baggage entries.
func (tc *TraceContext) Baggage() map[string]string {
	return maps.Clone(tc.baggage)
}

// BaggageItem returns a single baggage value.
func (tc *TraceContext) BaggageItem(key string) (string, bool) {
	v, ok := tc.baggage[key]
	return v, ok
}

// WithRequestID returns a copy of tc carrying requestID. The span stack of
// the copy is empty, as with PropagateToChild.
func (tc *TraceContext) WithRequestID(requestID string) *TraceContext {
	child := tc.PropagateToChild()
	child.requestID = requestID
	return child
}

// WithBaggage returns a copy of tc with an additional baggage entry.
// Baggage is fixed per context, so adding an entry means deriving a new one.
func (tc *TraceContext) WithBaggage(key, value string) *TraceContext {
	child := tc.PropagateToChild()
	child.baggage[key] = value
	return child
}

// PropagateToChild returns an independent context for a concurrent
// sub-operation. Identity fields and baggage are copied, the parent span is
// the current span (or this context's own parent when none is open), and the
// span stack starts empty.
func (tc *TraceContext) PropagateToChild() *TraceContext {
	parent := tc.parentSpanID
	if cur := tc.CurrentSpan(); cur != nil {
		parent = cur.ID
	}
	return &TraceContext{
		traceID:       tc.traceID,
		parentSpanID:  parent,
		flags:         tc.flags,
		baggage:       maps.Clone(tc.baggage),
		correlationID: tc.correlationID,
		userID:        tc.userID,
		threadID:      tc.threadID,
		requestID:     tc.requestID,
	}
}

// WireContext is the trace annotation embedded in outgoing JSON frames.
type WireContext struct {
	TraceID       string `json:"trace_id"`
	SpanID        string `json:"span_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// WebSocketContext returns the fields clients use to correlate a frame.
func (tc *TraceContext) WebSocketContext() WireContext {
	wc := WireContext{
		TraceID:       tc.traceID.String(),
		CorrelationID: tc.correlationID,
		UserID:        tc.userID,
		ThreadID:      tc.threadID,
		RequestID:     tc.requestID,
	}
	if cur := tc.CurrentSpan(); cur != nil {
		wc.SpanID = cur.ID.String()
	} else if tc.parentSpanID.IsValid() {
		wc.SpanID = tc.parentSpanID.String()
	}
	return wc
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// traceKey is the key type for storing a TraceContext in context.Context.
type traceKey struct{}

// WithContext returns a new context carrying tc.
func WithContext(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// FromContext returns the TraceContext carried by ctx, or nil.
func FromContext(ctx context.Context) *TraceContext {
	tc, _ := ctx.Value(traceKey{}).(*TraceContext)
	return tc
}
