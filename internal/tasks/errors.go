package tasks

import "errors"

// Domain errors for the tasks package.
var (
	// ErrShutdownTimeout is reported when one or more tasks did not finish
	// within the grace period and had to be forcibly terminated.
	ErrShutdownTimeout = errors.New("tasks: shutdown grace period expired")

	// ErrTaskNotFound is returned when a task ID is not registered.
	ErrTaskNotFound = errors.New("tasks: task not found")

	// ErrTaskPanicked wraps a recovered panic from a task function.
	ErrTaskPanicked = errors.New("tasks: task panicked")
)
