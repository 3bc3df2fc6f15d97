// Package tracectx carries distributed trace identity across every hop of a
// real-time event: client handshake, agent execution, and the frame that
// finally reaches the socket.
//
// # Contexts
//
// A TraceContext is created at the ingress of a logical operation:
//
//	tc := tracectx.New(userID, threadID, correlationID)
//
// or rebuilt from inbound wire headers:
//
//	tc := tracectx.FromHeaders(r.Header)
//
// FromHeaders never fails. A missing or malformed traceparent yields a fresh,
// unsampled context.
//
// # Spans
//
//	span := tc.StartSpan("registry.register", map[string]string{"user_id": id})
//	defer tc.FinishSpan(span)
//	tc.AddEvent("cas_retry", nil)
//
// # Concurrency
//
// A TraceContext is owned by one goroutine. Before handing work to another
// goroutine call PropagateToChild and pass the copy:
//
//	child := tc.PropagateToChild()
//	go worker(child)
//
// # Wire format
//
//	traceparent: 00-{32 hex trace id}-{16 hex span id}-{2 hex flags}
//	tracestate:  netra@{key}={value},netra@{key}={value}
//	x-correlation-id, x-user-id, x-thread-id, x-request-id
package tracectx
