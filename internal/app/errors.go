package app

import "errors"

var (
	// ErrRestartRequired is returned by Run when the updater installed a
	// version that needs a process restart. Discovery is never started.
	ErrRestartRequired = errors.New("app: update requires restart")

	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("app: already started")

	// ErrMissingComponent is returned by New without the connection
	// manager or task controller.
	ErrMissingComponent = errors.New("app: missing required component")
)
