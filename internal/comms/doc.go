// Package comms is the connection manager: it discovers printers, owns the
// registry of printer handles and coordinates their shutdown.
//
// Lifecycle:
//
//	NewManager (dormant)
//	    │
//	    ├── Start ──► discovery loop task ──► Discover every interval
//	    │                                        │
//	    │                      reserve ID ──► build link ──► Connect ──► register
//	    │                                                                   │
//	    │                                                  drain task (Printer.Run)
//	    │
//	    └── Shutdown ──► close queues ──► cancel drains ──► release links
//
// The registry is a map guarded by a mutex for structural changes plus an
// atomic copy-on-write snapshot for readers, so ListDevices and
// AnyDeviceTransferring never contend with discovery or printer I/O.
//
// Failures are isolated per printer. A candidate that cannot be attached is
// skipped for this cycle and retried on the next; a printer whose transfer
// fails stays registered in the Error state until removed.
package comms
