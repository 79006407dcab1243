package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by this package.
const (
	MeasurementTransfer     = "transfer"
	MeasurementPrinterState = "printer_state"
)

// Transfer describes one finished payload transfer.
type Transfer struct {
	PrinterID string
	JobID     string
	Bytes     int
	Attempts  int
	Duration  time.Duration
	OK        bool
	Time      time.Time
}

// WriteTransfer records a finished transfer. The write is non-blocking.
//
// Tagged by printer_id; fields are bytes, attempts, duration_ms and ok.
// JobID is a field, not a tag, to keep series cardinality bounded.
func (c *Client) WriteTransfer(t Transfer) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"bytes":       t.Bytes,
		"attempts":    t.Attempts,
		"duration_ms": t.Duration.Milliseconds(),
		"ok":          t.OK,
	}
	if t.JobID != "" {
		fields["job_id"] = t.JobID
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementTransfer,
		map[string]string{"printer_id": t.PrinterID},
		fields,
		stamp(t.Time),
	))
}

// WritePrinterState records a printer's state and transfer flag.
//
// Example:
//
//	client.WritePrinterState("usb-ttyACM0", "connected", false, time.Now())
func (c *Client) WritePrinterState(printerID, state string, transferring bool, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementPrinterState,
		map[string]string{"printer_id": printerID},
		map[string]interface{}{
			"state":        state,
			"transferring": transferring,
		},
		stamp(at),
	))
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
