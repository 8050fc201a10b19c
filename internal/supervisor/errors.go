package supervisor

import "errors"

var (
	// ErrMissingDependency is returned by StartProcess when the worker
	// binary or one of the required files does not exist. Nothing is
	// spawned in that case and retrying will not help.
	ErrMissingDependency = errors.New("supervisor: missing dependency")

	// ErrNotStarted is returned when an operation needs a running worker.
	ErrNotStarted = errors.New("supervisor: worker not started")

	// ErrExitedBeforeReady is returned by WaitReady when the worker exits
	// before publishing its endpoint.
	ErrExitedBeforeReady = errors.New("supervisor: worker exited before it was ready")

	// ErrReadyTimeout is returned by WaitReady when the worker does not
	// publish its endpoint within the ready timeout.
	ErrReadyTimeout = errors.New("supervisor: timed out waiting for worker")
)
