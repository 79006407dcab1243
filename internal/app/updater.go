package app

import "context"

// UpdateResult is delivered once by an Updater.
type UpdateResult struct {
	// RequiresRestart is true when an update was installed and the process
	// must exit instead of starting.
	RequiresRestart bool

	// Version is the version now installed.
	Version string

	// Err reports a failed update check. The core starts anyway.
	Err error
}

// Updater checks for and applies updates while the core is dormant.
type Updater interface {
	// Start begins the check and returns a channel that delivers exactly
	// one result.
	Start(ctx context.Context) <-chan UpdateResult

	// Stop abandons a check in progress.
	Stop(ctx context.Context) error
}

// NoUpdate is an Updater that reports the running version immediately and
// never asks for a restart.
type NoUpdate struct {
	Version string
}

// Start implements Updater.
func (u NoUpdate) Start(context.Context) <-chan UpdateResult {
	ch := make(chan UpdateResult, 1)
	ch <- UpdateResult{Version: u.Version}
	close(ch)
	return ch
}

// Stop implements Updater.
func (NoUpdate) Stop(context.Context) error { return nil }
