package bridge

import "errors"

var (
	// ErrInvalidCommand indicates a job command that could not be decoded
	// or is missing a required field.
	ErrInvalidCommand = errors.New("bridge: invalid job command")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("bridge: already started")

	// ErrMissingSource is returned by New without an event source.
	ErrMissingSource = errors.New("bridge: event source is required")
)
