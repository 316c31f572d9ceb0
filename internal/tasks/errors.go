package tasks

import "errors"

var (
	// ErrInvalidInput marks malformed creation or write arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for unknown or expired task ids.
	ErrNotFound = errors.New("task not found")
	// ErrNotReady is returned when a result is requested before a terminal status.
	ErrNotReady = errors.New("task result not ready")
	// ErrInvalidState marks a transition the state machine does not allow.
	ErrInvalidState = errors.New("invalid task state")
	// ErrUpstreamFailure marks a side-channel fault while a task was paused.
	ErrUpstreamFailure = errors.New("upstream failure")
)
