// Package core holds the shared error kinds and small types that cross
// service boundaries.
package core

import "errors"

var (
	// ErrInvalidRecord marks a malformed draft rejected before any write.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrStoreUnavailable marks a failure to reach the embedded graph store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmptyQuery is returned by recall when empty queries are disallowed.
	ErrEmptyQuery = errors.New("empty query")

	// ErrTaskNotFound is returned by status lookups for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueFull is returned by enqueue when the learn queue is at capacity.
	ErrQueueFull = errors.New("queue full")
)
