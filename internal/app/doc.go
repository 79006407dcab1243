// Package app holds the process-wide lifecycle of the printer core.
//
// Components are built by the caller and injected through Options; Core
// only sequences them:
//
//	New ──► dormant ──Run──► update check ──► bridge.Start ──► comms.Start ──► running
//	                              │
//	                              └── RequiresRestart ──► ErrRestartRequired
//
//	Stop: updater ──► presentation ──► comms.Shutdown ──► bridge ──► CancelAll(grace)
//
// The grace period comes from tasks.grace_period in the config (default 5s).
package app
