// Package gateway wires the netra-gateway components into one HTTP server.
//
// # Routes
//
//	GET  /ws              client WebSocket (see package transport)
//	POST /api/v1/events   agent lifecycle ingress, bearer token with the
//	                      publish permission
//	GET  /health          liveness, always 200
//	GET  /health/ready    503 unless identity verification is possible and
//	                      the registry breaker is not open
//	GET  /metrics         Prometheus, when metrics.enabled
//
// # Ingress
//
// The ingress accepts {user_id, run_id, event, payload} and trace headers
// (traceparent, tracestate, x-correlation-id and friends). Any well-formed
// request answers 202 with the bridge Result:
//
//	{"delivered": false, "reason": "no_active_connection", "seq": 4}
//
// Only malformed bodies are rejected, with 400.
//
// # Shutdown
//
// Run blocks until its context is cancelled, then gives in-flight work five
// seconds: the HTTP server stops accepting, live sockets are closed with
// 1001, and the store is closed once their sessions have recorded the
// disconnect.
package gateway
