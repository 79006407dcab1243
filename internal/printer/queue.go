package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/printlink-core/internal/transport"
)

// Payload is one unit of data bound for a printer.
type Payload struct {
	ID         string
	JobID      string
	Data       []byte
	EnqueuedAt time.Time
}

// NewPayload copies data into a new payload with a fresh ID.
func NewPayload(jobID string, data []byte) Payload {
	return Payload{
		ID:    uuid.NewString(),
		JobID: jobID,
		Data:  append([]byte(nil), data...),
	}
}

// Ticket tracks the outcome of one enqueued payload.
type Ticket struct {
	payloadID string
	jobID     string

	once sync.Once
	done chan struct{}
	err  error
}

func newTicket(p Payload) *Ticket {
	return &Ticket{payloadID: p.ID, jobID: p.JobID, done: make(chan struct{})}
}

// PayloadID returns the ID of the tracked payload.
func (t *Ticket) PayloadID() string { return t.payloadID }

// JobID returns the job the payload belongs to.
func (t *Ticket) JobID() string { return t.jobID }

// Done is closed once the payload has been transferred, has failed or has
// been abandoned.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the outcome once Done is closed: nil on success, a
// *TransferError on failure, ErrQueueClosed if the payload was never sent.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

type entry struct {
	payload Payload
	ticket  *Ticket
}

// RetryPolicy bounds retries of transient send failures.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles per retry up
	// to maxBackoff.
	Backoff time.Duration
}

const maxBackoff = 5 * time.Second

func (r RetryPolicy) delay(attempt int) time.Duration {
	d := r.Backoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// SendQueue is a bounded FIFO of payloads for one printer, drained by a
// single worker.
//
// Thread Safety:
//   - Enqueue, Close and the accessors are safe for concurrent use.
//   - Drain must run on at most one goroutine.
type SendQueue struct {
	printerID string
	capacity  int

	mu      sync.Mutex
	items   []entry
	closed  bool
	changed chan struct{} // closed and replaced on every state change

	transferring atomic.Bool
}

// NewSendQueue creates a queue holding at most capacity pending payloads.
func NewSendQueue(printerID string, capacity int) *SendQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &SendQueue{
		printerID: printerID,
		capacity:  capacity,
		changed:   make(chan struct{}),
	}
}

// broadcastLocked wakes every waiter. Caller holds q.mu.
func (q *SendQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue appends p to the tail of the queue.
//
// While the queue is full Enqueue blocks until space frees up, the queue
// closes or ctx is done. It never blocks once the queue is closed.
//
// Returns:
//   - *Ticket: Resolves with the payload's outcome
//   - error: ErrQueueClosed or ctx.Err()
func (q *SendQueue) Enqueue(ctx context.Context, p Payload) (*Ticket, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			if p.EnqueuedAt.IsZero() {
				p.EnqueuedAt = time.Now()
			}
			t := newTicket(p)
			q.items = append(q.items, entry{payload: p, ticket: t})
			q.broadcastLocked()
			q.mu.Unlock()
			return t, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// next removes the head payload, marking the queue as transferring in the
// same critical section. It blocks while the queue is empty.
func (q *SendQueue) next(ctx context.Context) (entry, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return entry{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = entry{}
			q.items = q.items[1:]
			q.transferring.Store(true)
			q.broadcastLocked()
			q.mu.Unlock()
			return e, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return entry{}, ctx.Err()
		}
	}
}

// finish clears the transferring flag and publishes the outcome of the
// payload in flight. The flag drops before the ticket resolves, so a caller
// woken by the ticket never observes a stale flag.
func (q *SendQueue) finish(e entry, err error) {
	q.mu.Lock()
	q.transferring.Store(false)
	q.broadcastLocked()
	q.mu.Unlock()

	e.ticket.resolve(err)
}

// Close stops intake. The payload in flight, if any, runs to completion;
// payloads still queued are abandoned and their tickets resolve with
// ErrQueueClosed. Safe to call more than once.
//
// Returns:
//   - int: Number of payloads abandoned by this call
func (q *SendQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.broadcastLocked()
	q.mu.Unlock()

	for _, e := range pending {
		e.ticket.resolve(ErrQueueClosed)
	}
	return len(pending)
}

// Transferring reports whether a payload is currently being sent.
// It is safe to call from any goroutine without blocking.
func (q *SendQueue) Transferring() bool {
	return q.transferring.Load()
}

// Len returns the number of payloads waiting (excluding the one in flight).
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of waiting payloads.
func (q *SendQueue) Capacity() int { return q.capacity }

// Closed reports whether Close has been called.
func (q *SendQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// SendFunc delivers one payload's bytes. It is normally a Link's Send.
type SendFunc func(ctx context.Context, data []byte) error

// DrainOptions configures Drain.
type DrainOptions struct {
	Retry RetryPolicy

	// SendTimeout bounds each attempt. Zero means no timeout.
	SendTimeout time.Duration

	// OnStart is called when a payload is dequeued.
	OnStart func(p Payload)

	// OnFinish is called once a payload's outcome is known, before its
	// ticket resolves.
	OnFinish func(p Payload, attempts int, elapsed time.Duration, err error)

	// OnRetry is called before each retry of a transient failure.
	OnRetry func(p Payload, attempt int, err error)
}

// Drain sends queued payloads in FIFO order until the queue is closed, ctx
// is cancelled or a payload fails persistently.
//
// Cancellation is observed only between payloads: a payload already being
// sent completes (or fails) before Drain returns. A payload waiting to retry
// a transient failure is abandoned and fails instead. A persistent failure
// closes the queue and is returned as a *TransferError.
//
// Returns:
//   - nil: The queue was closed
//   - ctx.Err(): Cancelled between payloads
//   - *TransferError: A payload could not be delivered
func (q *SendQueue) Drain(ctx context.Context, send SendFunc, opts DrainOptions) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e, err := q.next(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}

		if opts.OnStart != nil {
			opts.OnStart(e.payload)
		}

		start := time.Now()
		attempts, err := q.transfer(ctx, e.payload, send, opts)

		var outcome error
		if err != nil {
			outcome = &TransferError{
				PrinterID: q.printerID,
				PayloadID: e.payload.ID,
				JobID:     e.payload.JobID,
				Attempts:  attempts,
				Err:       err,
			}
		}
		if opts.OnFinish != nil {
			opts.OnFinish(e.payload, attempts, time.Since(start), outcome)
		}

		if outcome != nil {
			q.Close()
			q.finish(e, outcome)
			return outcome
		}
		q.finish(e, nil)
	}
}

// transfer sends one payload, retrying transient failures. The send
// itself ignores cancellation of ctx so that a payload is never cut short;
// a cancelled ctx only stops further attempts once a backoff wait begins.
// A retry resumes after the bytes the device already acknowledged.
func (q *SendQueue) transfer(ctx context.Context, p Payload, send SendFunc, opts DrainOptions) (int, error) {
	maxAttempts := max(opts.Retry.MaxAttempts, 1)
	base := context.WithoutCancel(ctx)
	offset := 0

	for attempt := 1; ; attempt++ {
		sendCtx, cancel := base, context.CancelFunc(func() {})
		if opts.SendTimeout > 0 {
			sendCtx, cancel = context.WithTimeout(base, opts.SendTimeout)
		}
		err := send(sendCtx, p.Data[offset:])
		cancel()

		if err == nil {
			return attempt, nil
		}
		offset += transport.Acknowledged(err)
		if !transport.IsTransient(err) || attempt >= maxAttempts {
			return attempt, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(p, attempt, err)
		}

		timer := time.NewTimer(opts.Retry.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry abandoned: %w", errors.Join(err, ctx.Err()))
		}
	}
}
