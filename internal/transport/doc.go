// Package transport provides the links over which payloads reach printers.
//
// A Link is one bidirectional channel to one printer. Three kinds exist:
//
//	┌──────────────┐   framed protocol    ┌──────────────────┐
//	│  StreamLink  │ ───────────────────► │ USB serial port  │  KindSerial
//	│              │ ───────────────────► │ TCP host:port    │  KindTCP
//	└──────────────┘                      └──────────────────┘
//	┌──────────────┐
//	│   SimLink    │  in-process printer                         KindSimulated
//	└──────────────┘
//
// # Wire format
//
// Serial and TCP links share one framing:
//
//	size(2, BE) | type(2, BE) | payload
//
// The size counts type and payload. The link opens with a HELLO exchange.
// Payloads are split into DATA frames, each prefixed with a sequence
// number and answered by ACK or NAK carrying the same number.
//
// # Errors
//
// Send failures wrap exactly one of:
//   - ErrTransient: timeout or busy device, the payload may be resent
//   - ErrRejected: the device refused the payload
//   - ErrLinkSevered: the link is unusable and must be closed
//
// # Discovery
//
// Discoverer implementations enumerate candidates: SerialDiscoverer runs
// the detector helper from the binaries directory (or scans serial ports),
// NetworkDiscoverer probes configured addresses, StaticDiscoverer reports
// fixed (simulated) printers and MultiDiscoverer merges several sources.
package transport
