package jobs

import "errors"

// Sentinel errors of the orchestrator API. Callers branch on these with
// errors.Is; everything else is an internal failure surfaced through the
// job's Error field.
var (
	// ErrInvalidParameters is returned synchronously by Submit when the
	// request fails validation. Invalid requests never enter the store.
	ErrInvalidParameters = errors.New("invalid job parameters")

	// ErrNotFound is returned for operations on unknown job IDs.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned by Cancel when the job has already
	// reached a terminal status.
	ErrAlreadyTerminal = errors.New("job already terminal")

	// ErrQueueFull is returned by Submit when the pending queue is at
	// capacity.
	ErrQueueFull = errors.New("job queue full")

	// ErrComputeTimeout marks jobs that exceeded the per-job compute
	// deadline. It appears in the failed job's Error field.
	ErrComputeTimeout = errors.New("compute deadline exceeded")

	// ErrStopped is returned by Submit after the orchestrator has been
	// closed.
	ErrStopped = errors.New("orchestrator stopped")
)
