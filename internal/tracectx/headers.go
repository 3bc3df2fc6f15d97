// ABOUTME: W3C-style traceparent/tracestate serialization plus passthrough id headers
// ABOUTME: FromHeaders absorbs malformed input into a fresh unsampled context

package tracectx

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Header names produced and consumed on the wire.
const (
	HeaderTraceparent   = "traceparent"
	HeaderTracestate    = "tracestate"
	HeaderCorrelationID = "x-correlation-id"
	HeaderUserID        = "x-user-id"
	HeaderThreadID      = "x-thread-id"
	HeaderRequestID     = "x-request-id"
)

const (
	traceparentVersion = "00"
	baggageNamespace   = "netra@"
	zeroSpanID         = "0000000000000000"
)

// Carrier is anything headers can be read from. http.Header satisfies it.
type Carrier interface {
	Get(key string) string
}

// Headers is a flat header mapping with lowercase keys.
type Headers map[string]string

// Get looks up key case-insensitively.
func (h Headers) Get(key string) string {
	if v, ok := h[strings.ToLower(key)]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Apply copies the headers onto an outgoing http.Header.
func (h Headers) Apply(dst http.Header) {
	for k, v := range h {
		dst.Set(k, v)
	}
}

// ToHeaders serializes the context. The span id is that of the current span,
// all zero when none is open.
func (tc *TraceContext) ToHeaders() Headers {
	spanID := zeroSpanID
	if cur := tc.CurrentSpan(); cur != nil {
		spanID = cur.ID.String()
	}

	h := Headers{
		HeaderTraceparent: traceparentVersion + "-" + tc.traceID.String() + "-" + spanID + "-" + tc.flags.String(),
	}
	if state := encodeTracestate(tc.baggage); state != "" {
		h[HeaderTracestate] = state
	}
	if tc.correlationID != "" {
		h[HeaderCorrelationID] = tc.correlationID
	}
	if tc.userID != "" {
		h[HeaderUserID] = tc.userID
	}
	if tc.threadID != "" {
		h[HeaderThreadID] = tc.threadID
	}
	if tc.requestID != "" {
		h[HeaderRequestID] = tc.requestID
	}
	return h
}

// FromHeaders rebuilds a context from inbound headers. It never fails: a
// missing or malformed traceparent yields a fresh trace id with the sampled
// flag cleared. Baggage and passthrough ids are read either way.
func FromHeaders(headers Carrier) *TraceContext {
	traceID, parent, flags, ok := parseTraceparent(headers.Get(HeaderTraceparent))
	if !ok {
		traceID, parent, flags = newTraceID(), trace.SpanID{}, trace.TraceFlags(0)
	}

	tc := newWithBaggage(traceID, parent, flags, decodeTracestate(headers.Get(HeaderTracestate)))
	tc.correlationID = headers.Get(HeaderCorrelationID)
	if tc.correlationID == "" {
		tc.correlationID = uuid.New().String()
	}
	tc.userID = headers.Get(HeaderUserID)
	tc.threadID = headers.Get(HeaderThreadID)
	tc.requestID = headers.Get(HeaderRequestID)
	return tc
}

// parseTraceparent validates all four fields. An all-zero span id is
// accepted and means "no parent".
func parseTraceparent(value string) (trace.TraceID, trace.SpanID, trace.TraceFlags, bool) {
	var (
		noTrace trace.TraceID
		noSpan  trace.SpanID
	)

	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 4 {
		return noTrace, noSpan, 0, false
	}

	version, err := hex.DecodeString(parts[0])
	if err != nil || len(parts[0]) != 2 || version[0] == 0xff {
		return noTrace, noSpan, 0, false
	}

	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil {
		return noTrace, noSpan, 0, false
	}

	var parent trace.SpanID
	if parts[2] != zeroSpanID {
		parent, err = trace.SpanIDFromHex(parts[2])
		if err != nil {
			return noTrace, noSpan, 0, false
		}
	}

	flagBytes, err := hex.DecodeString(parts[3])
	if err != nil || len(flagBytes) != 1 {
		return noTrace, noSpan, 0, false
	}

	return traceID, parent, trace.TraceFlags(flagBytes[0]), true
}

func encodeTracestate(baggage map[string]string) string {
	if len(baggage) == 0 {
		return ""
	}
	keys := make([]string, 0, len(baggage))
	for k := range baggage {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	members := make([]string, 0, len(keys))
	for _, k := range keys {
		members = append(members, baggageNamespace+url.QueryEscape(k)+"="+url.QueryEscape(baggage[k]))
	}
	return strings.Join(members, ",")
}

// decodeTracestate keeps only netra@ members. Members that fail to decode
// are skipped.
func decodeTracestate(value string) map[string]string {
	baggage := map[string]string{}
	if value == "" {
		return baggage
	}
	for _, member := range strings.Split(value, ",") {
		member = strings.TrimSpace(member)
		if !strings.HasPrefix(member, baggageNamespace) {
			continue
		}
		rawKey, rawValue, found := strings.Cut(strings.TrimPrefix(member, baggageNamespace), "=")
		if !found {
			continue
		}
		key, err := url.QueryUnescape(rawKey)
		if err != nil || key == "" {
			continue
		}
		val, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		baggage[key] = val
	}
	return baggage
}
