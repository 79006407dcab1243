package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Domain errors for the transport package.
var (
	// ErrTransient marks a failure that may succeed if the same payload is
	// sent again: an acknowledgement timeout or a busy device.
	ErrTransient = errors.New("transport: transient failure")

	// ErrLinkSevered marks a failure after which the link is unusable:
	// the device disconnected, the stream desynchronised or the link was closed.
	ErrLinkSevered = errors.New("transport: link severed")

	// ErrRejected is returned when the device explicitly refuses a payload.
	ErrRejected = errors.New("transport: payload rejected by device")

	// ErrNotOpen is returned when Send is called before a successful Open.
	ErrNotOpen = errors.New("transport: link not open")

	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("transport: link closed")

	// ErrHandshakeFailed is returned when the device does not complete the
	// opening handshake.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrUnsupportedKind is returned by a factory for an unknown link kind.
	ErrUnsupportedKind = errors.New("transport: unsupported link kind")

	// ErrInvalidFrame is returned when a received frame is malformed.
	ErrInvalidFrame = errors.New("transport: invalid frame")
)

// errTornFrame marks an I/O failure part way through a frame. The stream
// position is unknown afterwards, so the link cannot be reused.
var errTornFrame = errors.New("frame cut short")

// PartialSendError is returned by Send when some leading frames of the data
// were acknowledged before the failure. Acked is the number of data bytes the
// device accepted; a retry resumes from that offset.
type PartialSendError struct {
	Acked int
	Err   error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("%v (after %d bytes acknowledged)", e.Err, e.Acked)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// Acknowledged returns how many leading bytes the device accepted before err.
func Acknowledged(err error) int {
	var pe *PartialSendError
	if errors.As(err, &pe) {
		return pe.Acked
	}
	return 0
}

// IsTransient reports whether err is worth retrying on the same link.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify maps a raw I/O error onto the transport taxonomy.
// Timeouts are transient; anything else (end of stream, closed connection,
// device gone) severs the link.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrLinkSevered) || errors.Is(err, ErrRejected) {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	}

	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrLinkSevered, err)
}
