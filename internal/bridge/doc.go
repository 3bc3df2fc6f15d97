// Package bridge delivers agent lifecycle events to the client connection
// the registry considers canonical for a user.
//
// # Lifecycle
//
// Each run moves through
//
//	STARTED -> {THINKING <-> TOOL_EXECUTING -> TOOL_COMPLETED}* -> COMPLETED | ERROR
//
// Events that do not fit the run's current state, and every event after a
// terminal one, are rejected and logged. Finished run ids are tombstoned so
// a late event cannot restart a run.
//
// # Ordering
//
// A run's lock is held from validation through the send, so one run's events
// reach the socket in emission order. Frames carry a per-run seq. Different
// runs are not ordered against each other.
//
// # Failure
//
// Emit never returns an error. A missing or inactive connection, a rejected
// transition, a rate-limited THINKING event or a failed send all come back as
// Result{Delivered: false, Reason: ...}. Transient send failures are retried
// up to bridge.max_retries times with exponential backoff; a closed
// connection stops the retries at once. The producer's context never cancels
// delivery.
package bridge
