package transport

import (
	"context"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// NewSerialLink creates an unopened link to a USB serial printer.
//
// Parameters:
//   - id: Device identifier
//   - port: Serial port path (e.g. /dev/ttyACM0)
//   - opts: Baud rate, timeouts and logger
func NewSerialLink(id, port string, opts LinkOptions) *StreamLink {
	opts = opts.withDefaults()
	dial := func(ctx context.Context) (conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := serial.Open(port, &serial.Mode{BaudRate: opts.BaudRate})
		if err != nil {
			return nil, err
		}
		return &serialConn{port: p}, nil
	}
	return newStreamLink(id, KindSerial, port, dial, opts)
}

// serialConn adapts a serial.Port to deadline-based I/O.
//
// Serial ports only support a read timeout, so the deadline is converted to
// a timeout at the start of each Read. Moving the deadline does not
// interrupt a Read already in progress; Close does.
type serialConn struct {
	port serial.Port

	mu       sync.Mutex
	deadline time.Time
}

func (s *serialConn) Read(p []byte) (int, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	timeout := serial.NoTimeout
	if !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}

	n, err := s.port.Read(p)
	if n == 0 && err == nil {
		// go.bug.st/serial reports a timeout as an empty read.
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *serialConn) Close() error {
	return s.port.Close()
}
