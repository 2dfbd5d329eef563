package scheduler

// ============================================================================
// Scheduler Error Definitions
// Purpose: Define the error taxonomy surfaced to submitters
// ============================================================================

import "errors"

var (
	// ErrUnknownCapability means the requested capability is not
	// registered or is currently disabled.
	ErrUnknownCapability = errors.New("scheduler: unknown capability")

	// ErrUnknownJob means no record exists for the job id.
	ErrUnknownJob = errors.New("scheduler: unknown job")

	// ErrSaturated means the admission queue is full; the client should
	// back off and retry.
	ErrSaturated = errors.New("scheduler: saturated, retry later")

	// ErrInvalidRequest means the submission itself is malformed, for
	// example unparseable parameters.
	ErrInvalidRequest = errors.New("scheduler: invalid request")

	// ErrStopped means the scheduler is shutting down and no longer
	// accepts work.
	ErrStopped = errors.New("scheduler: stopped")
)
