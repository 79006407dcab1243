// Package logging provides structured logging for Printlink Core.
//
// This package wraps Go's standard log/slog package so that every
// component logs with the same default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("printer connected", "printer_id", id)
//	manager.SetLogger(logger.Component("comms"))
//
// Payload bytes are never logged; log payload IDs and sizes instead.
package logging
