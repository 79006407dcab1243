package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printlink-core/internal/transport"
)

// State represents the connection state of a printer.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Default settings applied by New for zero option values.
const (
	defaultQueueCapacity = 64
	defaultSendTimeout   = 30 * time.Second
)

// Logger defines the logging interface for the printer package.
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

// Options configures a Printer.
type Options struct {
	QueueCapacity int
	Retry         RetryPolicy
	SendTimeout   time.Duration

	// Events receives state and transfer events. Sends never block; events
	// are dropped when the channel is full.
	Events chan<- Event

	Logger Logger
}

// Status is a point-in-time snapshot of a printer.
type Status struct {
	ID           string         `json:"id"`
	Kind         transport.Kind `json:"kind"`
	Address      string         `json:"address,omitempty"`
	State        State          `json:"state"`
	Transferring bool           `json:"transferring"`
	Queued       int            `json:"queued"`
	Transferred  uint64         `json:"transferred"`
	Failed       uint64         `json:"failed"`
	BytesSent    uint64         `json:"bytes_sent"`
	LastError    string         `json:"last_error,omitempty"`
	ConnectedAt  time.Time      `json:"connected_at,omitempty"`
}

// Printer is the handle for one connected printer. It owns the printer's
// transport link and send queue.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Run must be started at most once.
type Printer struct {
	id      string
	kind    transport.Kind
	address string
	link    transport.Link
	queue   *SendQueue
	opts    Options
	logger  Logger

	mu          sync.RWMutex
	state       State
	lastErr     error
	connectedAt time.Time

	transferred   atomic.Uint64
	failed        atomic.Uint64
	bytesSent     atomic.Uint64
	eventsDropped atomic.Uint64

	releaseOnce sync.Once
	releaseErr  error
}

// New creates a disconnected printer around an unopened link.
//
// Parameters:
//   - c: The discovery candidate the link was built for
//   - link: Transport link to the printer
//   - opts: Queue, retry and event settings
func New(c transport.Candidate, link transport.Link, opts Options) *Printer {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Printer{
		id:      link.ID(),
		kind:    link.Kind(),
		address: c.Address,
		link:    link,
		queue:   NewSendQueue(link.ID(), opts.QueueCapacity),
		opts:    opts,
		logger:  logger,
		state:   StateDisconnected,
	}
}

// ID returns the printer's unique identifier.
func (p *Printer) ID() string { return p.id }

// Kind returns the transport kind of the printer's link.
func (p *Printer) Kind() transport.Kind { return p.kind }

// Queue returns the printer's send queue.
func (p *Printer) Queue() *SendQueue { return p.queue }

// State returns the current connection state.
func (p *Printer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Transferring reports whether a payload is being sent right now.
func (p *Printer) Transferring() bool { return p.queue.Transferring() }

// LastError returns the error that moved the printer to StateError.
func (p *Printer) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *Printer) setState(state State, err error) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	if err != nil {
		p.lastErr = err
	}
	if state == StateConnected {
		p.connectedAt = time.Now()
	}
	p.mu.Unlock()

	if prev == state {
		return
	}
	p.logger.Info("printer state changed", "printer_id", p.id, "from", prev, "to", state)

	ev := p.NewEvent(EventStateChanged)
	if err != nil {
		ev.Error = err.Error()
	}
	p.emit(ev)
}

// Connect opens the link. On success the printer is Connected; on failure
// it is in StateError and the error wraps ErrConnectFailed.
func (p *Printer) Connect(ctx context.Context) error {
	p.setState(StateConnecting, nil)

	if err := p.link.Open(ctx); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.id, err)
		p.setState(StateError, err)
		return err
	}

	p.setState(StateConnected, nil)
	return nil
}

// Submit enqueues data as a new payload. It blocks while the queue is full.
//
// Returns:
//   - *Ticket: Resolves when the payload is sent, fails or is abandoned
//   - error: ErrQueueClosed, ErrNotConnected or ctx.Err()
func (p *Printer) Submit(ctx context.Context, jobID string, data []byte) (*Ticket, error) {
	switch p.State() {
	case StateConnected:
	case StateError:
		return nil, ErrQueueClosed
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.id)
	}

	payload := NewPayload(jobID, data)
	ticket, err := p.queue.Enqueue(ctx, payload)
	if err != nil {
		return nil, err
	}

	ev := p.NewEvent(EventPayloadQueued)
	ev.PayloadID = payload.ID
	ev.JobID = jobID
	ev.Bytes = len(payload.Data)
	p.emit(ev)

	return ticket, nil
}

// Run drains the send queue over the link until the queue closes, ctx is
// cancelled or a transfer fails persistently. It is the body of the
// printer's managed drain task.
//
// On persistent failure the printer moves to StateError, its queue is
// closed and the *TransferError is returned.
func (p *Printer) Run(ctx context.Context) error {
	if p.State() != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.id)
	}

	err := p.queue.Drain(ctx, p.link.Send, DrainOptions{
		Retry:       p.opts.Retry,
		SendTimeout: p.opts.SendTimeout,
		OnStart:     p.onTransferStart,
		OnFinish:    p.onTransferFinish,
		OnRetry: func(pl Payload, attempt int, err error) {
			p.logger.Warn("retrying payload",
				"printer_id", p.id,
				"payload_id", pl.ID,
				"attempt", attempt,
				"error", err,
			)
		},
	})

	var terr *TransferError
	if errors.As(err, &terr) {
		p.logger.Error("transfer failed, printer disabled",
			"printer_id", p.id,
			"payload_id", terr.PayloadID,
			"attempts", terr.Attempts,
			"error", terr.Err,
		)
	}
	return err
}

func (p *Printer) onTransferStart(pl Payload) {
	p.logger.Debug("transfer started", "printer_id", p.id, "payload_id", pl.ID, "bytes", len(pl.Data))
	ev := p.NewEvent(EventTransferStarted)
	ev.Transferring = true
	ev.PayloadID = pl.ID
	ev.JobID = pl.JobID
	ev.Bytes = len(pl.Data)
	p.emit(ev)
}

func (p *Printer) onTransferFinish(pl Payload, attempts int, elapsed time.Duration, err error) {
	ev := p.NewEvent(EventTransferCompleted)
	ev.PayloadID = pl.ID
	ev.JobID = pl.JobID
	ev.Bytes = len(pl.Data)
	ev.Attempts = attempts
	ev.Duration = elapsed
	ev.Transferring = false

	if err != nil {
		p.failed.Add(1)
		p.setState(StateError, err)
		ev.State = StateError
		ev.Type = EventTransferFailed
		ev.Error = err.Error()
	} else {
		p.transferred.Add(1)
		p.bytesSent.Add(uint64(len(pl.Data)))
		p.logger.Debug("transfer completed", "printer_id", p.id, "payload_id", pl.ID, "duration", elapsed)
	}
	p.emit(ev)
}

// CloseQueue stops accepting payloads and abandons those not yet started.
// The payload in flight is not interrupted.
func (p *Printer) CloseQueue() int {
	n := p.queue.Close()
	if n > 0 {
		p.logger.Info("abandoned queued payloads", "printer_id", p.id, "count", n)
	}
	return n
}

// ReleaseLink closes the transport link exactly once. Later calls return
// the first call's result without touching the link again.
func (p *Printer) ReleaseLink() error {
	p.releaseOnce.Do(func() {
		p.releaseErr = p.link.Close()
		if p.State() != StateError {
			p.setState(StateDisconnected, nil)
		}
	})
	return p.releaseErr
}

// Disconnect closes the queue and releases the link.
func (p *Printer) Disconnect() error {
	p.CloseQueue()
	return p.ReleaseLink()
}

// Status returns a snapshot of the printer.
func (p *Printer) Status() Status {
	p.mu.RLock()
	s := Status{
		ID:          p.id,
		Kind:        p.kind,
		Address:     p.address,
		State:       p.state,
		ConnectedAt: p.connectedAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	p.mu.RUnlock()

	s.Transferring = p.queue.Transferring()
	s.Queued = p.queue.Len()
	s.Transferred = p.transferred.Load()
	s.Failed = p.failed.Load()
	s.BytesSent = p.bytesSent.Load()
	return s
}

// LinkStats returns the link's traffic counters if it keeps any.
func (p *Printer) LinkStats() (transport.Stats, bool) {
	if r, ok := p.link.(transport.StatsReporter); ok {
		return r.Stats(), true
	}
	return transport.Stats{}, false
}
