package worker

import "errors"

// Sentinel errors for worker operations
var (
	// ErrWorkerStopped indicates the worker has been stopped
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrWorkerAlreadyStarted indicates Start() was called on a started worker
	ErrWorkerAlreadyStarted = errors.New("worker already started")

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the worker didn't stop within the timeout
	ErrStopTimeout = errors.New("timeout waiting for worker to stop")
)
