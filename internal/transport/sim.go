package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SimOption configures a SimLink.
type SimOption func(*SimLink)

// WithSimDelay makes every Send take d before acknowledging.
func WithSimDelay(d time.Duration) SimOption {
	return func(s *SimLink) { s.delay = d }
}

// WithSimFailure installs a hook deciding the outcome of each send.
// n counts Send calls from zero, including failed ones.
func WithSimFailure(fn func(n int, data []byte) error) SimOption {
	return func(s *SimLink) { s.fail = fn }
}

// WithSimOpenError makes Open fail with err.
func WithSimOpenError(err error) SimOption {
	return func(s *SimLink) { s.openErr = err }
}

// WithSimGate makes each Send wait for a value on gate before completing.
// Close releases a Send blocked on the gate.
func WithSimGate(gate <-chan struct{}) SimOption {
	return func(s *SimLink) { s.gate = gate }
}

// WithSimStarted reports each payload on ch when its Send begins.
func WithSimStarted(ch chan<- []byte) SimOption {
	return func(s *SimLink) { s.started = ch }
}

// SimLink is an in-process printer. It acknowledges payloads after an
// optional delay and records everything it accepted.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type SimLink struct {
	id      string
	delay   time.Duration
	fail    func(n int, data []byte) error
	openErr error
	gate    <-chan struct{}
	started chan<- []byte

	mu     sync.Mutex
	sent   [][]byte
	calls  int
	opened bool

	closed     *closeOnce
	closeCount atomic.Int32
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

// Ensure SimLink implements Link.
var _ Link = (*SimLink)(nil)

// NewSimLink creates a simulated printer link.
func NewSimLink(id string, opts ...SimOption) *SimLink {
	s := &SimLink{
		id:     id,
		closed: newCloseOnce(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the device identifier.
func (s *SimLink) ID() string { return s.id }

// Kind returns KindSimulated.
func (s *SimLink) Kind() Kind { return KindSimulated }

// Open completes the simulated handshake.
func (s *SimLink) Open(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, s.id, err)
	}
	if s.openErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, s.id, s.openErr)
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

// Send accepts data after the configured delay, gate and failure hook.
func (s *SimLink) Send(ctx context.Context, data []byte) error {
	if s.isClosed() {
		return fmt.Errorf("%w: %w", ErrLinkSevered, ErrClosed)
	}

	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	n := s.calls
	s.calls++
	s.mu.Unlock()

	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxFlight.Load()
		if cur <= prev || s.maxFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if s.started != nil {
		select {
		case s.started <- data:
		case <-s.closed.Done():
			return fmt.Errorf("%w: %w", ErrLinkSevered, ErrClosed)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
		}
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-timer.C:
		case <-s.closed.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrLinkSevered, ErrClosed)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
		}
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closed.Done():
			return fmt.Errorf("%w: %w", ErrLinkSevered, ErrClosed)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
		}
	}

	if s.fail != nil {
		if err := s.fail(n, data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

// Close marks the link closed and unblocks any Send in progress.
func (s *SimLink) Close() error {
	s.closeCount.Add(1)
	s.closed.Close()
	return nil
}

func (s *SimLink) isClosed() bool {
	select {
	case <-s.closed.Done():
		return true
	default:
		return false
	}
}

// Sent returns copies of all payloads accepted so far, in order.
func (s *SimLink) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed is closed once Close has been called.
func (s *SimLink) Closed() <-chan struct{} { return s.closed.Done() }

// CloseCount returns how many times Close was called.
func (s *SimLink) CloseCount() int { return int(s.closeCount.Load()) }

// MaxInFlight returns the highest number of concurrent Sends observed.
func (s *SimLink) MaxInFlight() int { return int(s.maxFlight.Load()) }

// Stats returns counters derived from accepted payloads.
func (s *SimLink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes uint64
	for _, p := range s.sent {
		bytes += uint64(len(p))
	}
	return Stats{FramesTx: uint64(len(s.sent)), BytesTx: bytes}
}
