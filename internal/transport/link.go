package transport

import (
	"context"
	"time"
)

// Kind identifies the physical transport behind a Link.
type Kind string

const (
	KindSerial    Kind = "serial"
	KindTCP       Kind = "tcp"
	KindSimulated Kind = "sim"
)

// Link is a bidirectional channel to exactly one printer.
//
// A Link carries at most one Send at a time; the owning printer's drain
// worker is its only sender. Close may be called from any goroutine and
// unblocks a Send in progress.
type Link interface {
	// ID returns the device identifier the link was created for.
	ID() string

	// Kind returns the transport kind.
	Kind() Kind

	// Open establishes the connection and performs the handshake.
	Open(ctx context.Context) error

	// Send transmits one payload and blocks until the device acknowledges
	// it or the send fails. Failures wrap ErrTransient, ErrRejected or
	// ErrLinkSevered.
	Send(ctx context.Context, data []byte) error

	// Close releases the underlying resource. Safe to call more than once.
	Close() error
}

// StatsReporter is implemented by links that keep traffic counters.
type StatsReporter interface {
	Stats() Stats
}

// Stats holds operational statistics for a link.
type Stats struct {
	FramesTx     uint64    `json:"frames_tx"`
	FramesRx     uint64    `json:"frames_rx"`
	BytesTx      uint64    `json:"bytes_tx"`
	ErrorsTotal  uint64    `json:"errors_total"`
	LastActivity time.Time `json:"last_activity"`
}

// Logger defines the logging interface for the transport package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
