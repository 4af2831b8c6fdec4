package worker

import "errors"

var (
	// ErrApprovalRequired is returned when a run is attempted on a task
	// that still needs supervisor approval. The handler is never invoked.
	ErrApprovalRequired = errors.New("task requires approval before it can run")

	// ErrAlreadyRunning is returned when a run is attempted on a task
	// that is currently in progress.
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrNotCancellable is returned when a cancel is attempted on a task
	// that is neither pending nor in progress.
	ErrNotCancellable = errors.New("task cannot be cancelled in its current state")

	// ErrUnknownAgent is returned when no handler is registered for the
	// task's agent name.
	ErrUnknownAgent = errors.New("unknown agent")
)
