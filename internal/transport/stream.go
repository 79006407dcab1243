package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts for stream links.
const (
	// defaultConnectTimeout bounds dial plus handshake when ctx has no deadline.
	defaultConnectTimeout = 5 * time.Second

	// defaultAckTimeout is how long to wait for a device to acknowledge one frame.
	defaultAckTimeout = 10 * time.Second
)

// conn is the byte stream under a StreamLink.
type conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// dialFunc opens the underlying stream.
type dialFunc func(ctx context.Context) (conn, error)

// LinkOptions configures serial and TCP links.
type LinkOptions struct {
	// ConnectTimeout bounds dial plus handshake. Default: 5s.
	ConnectTimeout time.Duration

	// AckTimeout bounds the wait for each frame acknowledgement. Default: 10s.
	AckTimeout time.Duration

	// BaudRate for serial links. Default: 115200.
	BaudRate int

	Logger Logger
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// StreamLink speaks the framed printer protocol over a byte stream.
//
// Payloads are split into DATA frames of at most MaxFramePayload bytes.
// Each frame carries a sequence number and must be acknowledged before the
// next is written; acknowledgements for other sequence numbers are stale
// and skipped. A frame resent after a transient failure keeps its sequence
// number so the device can discard a duplicate.
//
// Thread Safety:
//   - Send calls are serialised.
//   - Close may be called concurrently with Send and unblocks it.
type StreamLink struct {
	id   string
	kind Kind
	addr string
	dial dialFunc
	opts LinkOptions

	sendMu sync.Mutex // serialises Send and guards the fields below
	seq    uint16

	// Last frame that failed transiently, reused by the next Send.
	retryPending bool
	retrySeq     uint16
	retryChunk   []byte

	mu     sync.RWMutex
	conn   conn
	broken atomic.Bool // stream desynchronised or device gone
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error

	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	bytesTx      atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64 // unix nanoseconds
}

// Ensure StreamLink implements Link.
var _ Link = (*StreamLink)(nil)

func newStreamLink(id string, kind Kind, addr string, dial dialFunc, opts LinkOptions) *StreamLink {
	return &StreamLink{
		id:   id,
		kind: kind,
		addr: addr,
		dial: dial,
		opts: opts.withDefaults(),
	}
}

// ID returns the device identifier.
func (l *StreamLink) ID() string { return l.id }

// Kind returns the transport kind.
func (l *StreamLink) Kind() Kind { return l.kind }

// Address returns the port path or host:port the link connects to.
func (l *StreamLink) Address() string { return l.addr }

// Open dials the device and performs the HELLO handshake.
// Calling Open on an already open link is a no-op.
func (l *StreamLink) Open(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.RLock()
	open := l.conn != nil
	l.mu.RUnlock()
	if open {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	c, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: dial %s: %w", ErrHandshakeFailed, l.id, l.addr, err)
	}

	if err := l.handshake(ctx, c); err != nil {
		c.Close()
		return fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, l.id, err)
	}

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		c.Close()
		return ErrClosed
	}
	l.conn = c
	l.mu.Unlock()

	l.touch()
	l.opts.Logger.Debug("link open", "printer_id", l.id, "kind", l.kind, "address", l.addr)
	return nil
}

// handshake sends HELLO and waits for the device's HELLO.
func (l *StreamLink) handshake(ctx context.Context, c conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.opts.ConnectTimeout)
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{}) //nolint:errcheck // best effort reset

	if _, err := c.Write(EncodeFrame(FrameHello, []byte{protocolVersion})); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	frameType, _, err := ReadFrame(c)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if frameType != FrameHello {
		return fmt.Errorf("unexpected frame type 0x%04X during handshake", frameType)
	}
	return nil
}

// Send transmits data and blocks until every frame has been acknowledged.
//
// Cancelling ctx aborts the wait; the failure is then reported as transient
// because the device may or may not have received the frame in flight.
// When earlier frames were already acknowledged the error is a
// *PartialSendError and only data[Acked:] needs to be sent again.
func (l *StreamLink) Send(ctx context.Context, data []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if l.closed.Load() {
		return fmt.Errorf("%w: %w", ErrLinkSevered, ErrClosed)
	}
	if l.broken.Load() {
		return fmt.Errorf("%w: %s: stream unusable", ErrLinkSevered, l.id)
	}

	l.mu.RLock()
	c := l.conn
	l.mu.RUnlock()
	if c == nil {
		return ErrNotOpen
	}

	// Cancellation forces the pending read or write to time out.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.SetDeadline(time.Now()) //nolint:errcheck // unblocking only
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	acked := 0
	for _, chunk := range chunks(data) {
		seq := l.nextSeq(chunk)
		if err := l.sendFrame(ctx, c, seq, chunk); err != nil {
			if IsTransient(err) {
				l.retryPending, l.retrySeq, l.retryChunk = true, seq, chunk
			}
			if acked > 0 {
				return &PartialSendError{Acked: acked, Err: err}
			}
			return err
		}
		acked += len(chunk)
	}
	return nil
}

// nextSeq picks the sequence number for chunk. Only the first frame of a
// Send can be a resend of the frame that last failed.
func (l *StreamLink) nextSeq(chunk []byte) uint16 {
	pending := l.retryPending && bytes.Equal(l.retryChunk, chunk)
	l.retryPending, l.retryChunk = false, nil
	if pending {
		return l.retrySeq
	}
	l.seq++
	return l.seq
}

// sendFrame writes one DATA frame and waits for its acknowledgement.
func (l *StreamLink) sendFrame(ctx context.Context, c conn, seq uint16, chunk []byte) error {
	deadline := time.Now().Add(l.opts.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return l.fail(ctx, err)
	}
	if ctx.Err() != nil {
		return l.fail(ctx, ctx.Err())
	}

	frame := encodeData(seq, chunk)
	if n, err := c.Write(frame); err != nil {
		if n > 0 {
			err = fmt.Errorf("%w: wrote %d of %d bytes: %w", errTornFrame, n, len(frame), err)
		}
		return l.fail(ctx, err)
	}
	l.framesTx.Add(1)
	l.bytesTx.Add(uint64(len(chunk)))
	l.touch()

	for {
		r := &countingReader{r: c}
		frameType, payload, err := ReadFrame(r)
		if err != nil {
			if r.n > 0 {
				err = fmt.Errorf("%w: read %d bytes: %w", errTornFrame, r.n, err)
			}
			return l.fail(ctx, err)
		}
		l.framesRx.Add(1)
		l.touch()

		if frameType != FrameAck && frameType != FrameNak {
			l.opts.Logger.Debug("ignoring unexpected frame", "printer_id", l.id, "type", frameType)
			continue
		}

		got, err := parseSeq(payload)
		if err != nil {
			return l.fail(ctx, err)
		}
		if got != seq {
			continue
		}

		if frameType == FrameAck {
			return nil
		}

		l.errorsTotal.Add(1)
		var reason byte
		if len(payload) > seqSize {
			reason = payload[seqSize]
		}
		switch reason {
		case NakBusy, NakChecksum:
			return fmt.Errorf("%w: %s: device nak 0x%02X", ErrTransient, l.id, reason)
		default:
			return fmt.Errorf("%w: %s: device nak 0x%02X", ErrRejected, l.id, reason)
		}
	}
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// fail records and classifies an I/O failure.
func (l *StreamLink) fail(ctx context.Context, err error) error {
	l.errorsTotal.Add(1)

	var classified error
	if errors.Is(err, ErrInvalidFrame) || errors.Is(err, errTornFrame) {
		classified = fmt.Errorf("%w: %w", ErrLinkSevered, err)
	} else {
		classified = classify(ctx, err)
	}
	if errors.Is(classified, ErrLinkSevered) {
		l.broken.Store(true)
	}
	return fmt.Errorf("send to %s: %w", l.id, classified)
}

func (l *StreamLink) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// Close releases the underlying stream. Safe to call more than once;
// later calls return the first call's result.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)

		l.mu.Lock()
		c := l.conn
		l.conn = nil
		l.mu.Unlock()

		if c != nil {
			l.closeErr = c.Close()
		}
		l.opts.Logger.Debug("link closed", "printer_id", l.id)
	})
	return l.closeErr
}

// Stats returns current traffic counters.
func (l *StreamLink) Stats() Stats {
	s := Stats{
		FramesTx:    l.framesTx.Load(),
		FramesRx:    l.framesRx.Load(),
		BytesTx:     l.bytesTx.Load(),
		ErrorsTotal: l.errorsTotal.Load(),
	}
	if ts := l.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}
