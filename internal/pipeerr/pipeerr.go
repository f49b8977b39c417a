// Package pipeerr defines the pipeline's error taxonomy. Every package
// wraps failures into one of these sentinels with fmt.Errorf's %w so callers
// can use errors.Is without caring which backend produced the failure.
package pipeerr

import "errors"

var (
	// ErrBadRequest marks a malformed ingest request; surfaced to the caller.
	ErrBadRequest = errors.New("bad request")

	// ErrCacheUnavailable marks C2 being unreachable or erroring. Always
	// non-fatal: logged and swallowed at the ingest path and at the
	// analyzer's cache-update step, never blocking the feature broadcast.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrDurableStoreError marks a transient C3 failure. Logged and
	// swallowed by the analyzer; persistence may skip a window but the next
	// window still attempts its own write.
	ErrDurableStoreError = errors.New("durable store error")

	// ErrSubscriberGone marks a failed send to one fan-out subscriber. Only
	// that subscriber is disconnected; others are unaffected.
	ErrSubscriberGone = errors.New("subscriber gone")

	// ErrCancelled marks cooperative cancellation: the task observed
	// ctx.Done() and is exiting cleanly with no partial state.
	ErrCancelled = errors.New("cancelled")

	// ErrProgrammingError marks an invariant violation (e.g. a sensor
	// buffer missing after create). Logged with full context; the owning
	// analyzer task terminates and may be restarted by the supervisor.
	ErrProgrammingError = errors.New("programming error")
)
