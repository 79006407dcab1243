// Package printer implements the per-printer device handle and its send
// queue.
//
// A Printer owns exactly one transport.Link and one SendQueue. Callers
// submit payloads; a single drain worker (Printer.Run, spawned as a managed
// task) sends them over the link in FIFO order:
//
//	Submit ──► SendQueue ──► Drain ──► Link.Send ──► device
//	              │             │
//	           Ticket ◄─────────┘  outcome (nil, *TransferError, ErrQueueClosed)
//
// State machine:
//
//	Disconnected ──Connect──► Connecting ──ok──► Connected
//	                               │                 │
//	                               └──fail──► Error ◄┘ persistent transfer failure
//
// Transient send failures (timeouts, busy device) are retried according to
// the RetryPolicy. Anything else, or running out of attempts, moves the
// printer to Error and closes its queue; payloads still waiting are
// abandoned with ErrQueueClosed.
//
// The transferring flag is set in the same critical section that dequeues a
// payload and is cleared once that payload's outcome is known, so
// Transferring never reports false while data is on the wire.
package printer
