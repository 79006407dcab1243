// Package tasks tracks background work spawned by Printlink Core.
//
// Every long-running goroutine in the core (one drain worker per printer,
// the discovery loop, the event bridge) is started through a Controller so
// that shutdown can enumerate, cancel and if necessary abandon it.
//
// Lifecycle of a managed task:
//
//	Spawned ──► Running ──┬──► Completed           (function returned)
//	                      ├──► Cancelled           (returned context.Canceled after cancel)
//	                      └──► ForciblyTerminated  (grace period expired)
//
// Shutdown is two-phase, mirroring SIGTERM-then-SIGKILL for subprocesses:
//
//	report := controller.CancelAll(5 * time.Second)
//	if err := report.Err(); err != nil {
//	    logger.Warn("tasks abandoned", "error", err)
//	}
//
// Go cannot kill a goroutine. Forced termination therefore runs the task's
// terminate hook (for drain workers this closes the transport link, which
// unblocks the pending send), fixes the task's state, removes it from the
// registry and closes its Done channel. A goroutine that later returns is
// ignored.
//
// Completion is reported by message passing: a spawner that wants results
// passes a channel with WithResults and reads Result values from it.
package tasks
