// ABOUTME: Span lifecycle on a TraceContext: start, annotate, finish
// ABOUTME: Spans nest on a per-context stack; finishing is applied by identity

package tracectx

import (
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Span is one timed, named operation within a trace.
type Span struct {
	ID         trace.SpanID
	ParentID   trace.SpanID // invalid for a root span
	Name       string
	Attributes map[string]string
	Events     []SpanEvent
	StartTime  time.Time
	EndTime    time.Time // zero until finished
	Duration   time.Duration
}

// SpanEvent is a timestamped annotation appended to a span.
type SpanEvent struct {
	Name       string
	Attributes map[string]string
	Timestamp  time.Time
}

// Finished reports whether the span has an end time.
func (s *Span) Finished() bool {
	return !s.EndTime.IsZero()
}

// StartSpan pushes a new span and makes it current. Its parent is the current
// span, or the context's parent span when the stack is empty.
func (tc *TraceContext) StartSpan(name string, attributes map[string]string) *Span {
	parent := tc.parentSpanID
	if cur := tc.CurrentSpan(); cur != nil {
		parent = cur.ID
	}
	span := &Span{
		ID:         newSpanID(),
		ParentID:   parent,
		Name:       name,
		Attributes: maps.Clone(attributes),
		StartTime:  time.Now(),
	}
	tc.spans = append(tc.spans, span)
	return span
}

// FinishSpan timestamps span and removes it from the stack wherever it sits.
// Callers keep start/finish pairs well nested. Finishing twice is a no-op.
func (tc *TraceContext) FinishSpan(span *Span) {
	if span == nil {
		return
	}
	if !span.Finished() {
		span.EndTime = time.Now()
		if span.EndTime.Before(span.StartTime) {
			span.EndTime = span.StartTime
		}
		span.Duration = span.EndTime.Sub(span.StartTime)
	}
	if i := slices.Index(tc.spans, span); i >= 0 {
		tc.spans = slices.Delete(tc.spans, i, i+1)
	}
}

// AddEvent appends an event to the current span. With no open span the
// event is dropped.
func (tc *TraceContext) AddEvent(name string, attributes map[string]string) {
	cur := tc.CurrentSpan()
	if cur == nil {
		return
	}
	cur.Events = append(cur.Events, SpanEvent{
		Name:       name,
		Attributes: maps.Clone(attributes),
		Timestamp:  time.Now(),
	})
}

// CurrentSpan returns the top of the span stack, or nil.
func (tc *TraceContext) CurrentSpan() *Span {
	if len(tc.spans) == 0 {
		return nil
	}
	return tc.spans[len(tc.spans)-1]
}

// Depth returns the number of open spans.
func (tc *TraceContext) Depth() int {
	return len(tc.spans)
}
