package printer

import (
	"errors"
	"fmt"
)

// Domain errors for the printer package.
var (
	// ErrQueueClosed is returned when enqueueing on a closed queue and is
	// the outcome of payloads abandoned by Close.
	ErrQueueClosed = errors.New("printer: send queue closed")

	// ErrNotConnected is returned when an operation needs a connected printer.
	ErrNotConnected = errors.New("printer: not connected")

	// ErrConnectFailed is returned when the link handshake fails.
	ErrConnectFailed = errors.New("printer: connect failed")

	// ErrTransferFailed matches every TransferError.
	ErrTransferFailed = errors.New("printer: transfer failed")
)

// TransferError reports a payload that could not be delivered.
type TransferError struct {
	PrinterID string
	PayloadID string
	JobID     string
	Attempts  int
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("printer: transfer of payload %s to %s failed after %d attempt(s): %v",
		e.PayloadID, e.PrinterID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrTransferFailed and the transport cause.
func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}
