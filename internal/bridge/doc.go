// Package bridge connects the printer registry to the outside world.
//
// One managed task reads the connection manager's event channel and fans
// each event out to the configured sinks:
//
//	comms.Manager.Events()
//	        │
//	        ▼
//	   bridge task ──► MQTT      printlink/state/printer/{id} (retained)
//	        │    ├───► InfluxDB  transfer, printer_state
//	        │    ├───► journal   printers, transfers (SQLite)
//	        │    └───► WebSocket printer.status, printer.transfer
//	        │
//	MQTT printlink/command/printer/+ ──► Submit ──► printlink/ack/printer/{id}
//
// A job command is acknowledged twice: "queued" once the payload is on the
// printer's send queue, then "completed" or "failed" when its ticket
// resolves. A command that cannot be queued gets a single "failed" ack.
//
// Every sink is optional. Sink failures are counted and logged; they never
// stop the event loop.
package bridge
