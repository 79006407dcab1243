// Package influxdb records printer metrics in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//	transfer        printer_id | bytes, attempts, duration_ms, ok, job_id
//	printer_state   printer_id | state, transferring
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without metrics
//	}
//	defer client.Close()
//
//	client.WriteTransfer(influxdb.Transfer{PrinterID: "usb-ttyACM0", Bytes: 4096, Attempts: 1, OK: true})
//
// # Error Handling
//
// Writes never block or return errors. Batch failures are delivered to the
// SetOnError callback. Connect and HealthCheck return errors directly.
package influxdb
