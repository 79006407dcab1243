package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/printlink-core/internal/printer"
	"github.com/nerrad567/printlink-core/internal/tasks"
	"github.com/nerrad567/printlink-core/internal/transport"
)

// Default settings applied by NewManager for zero option values.
const (
	defaultDiscoveryInterval = 2 * time.Second
	defaultConnectTimeout    = 5 * time.Second
	defaultEventBuffer       = 256
	resultBuffer             = 64
)

// Logger defines the logging interface for the comms package.
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

// Options configures a Manager.
type Options struct {
	// Discoverer finds attachable printers. Required.
	Discoverer transport.Discoverer

	// Factory builds a link for each new candidate. Required.
	Factory transport.Factory

	// Tasks registers drain workers and the discovery loop. Required.
	Tasks *tasks.Controller

	// Printer holds per-printer queue, retry and timeout settings. Its
	// Events field is replaced by the manager's fan-in channel.
	Printer printer.Options

	DiscoveryInterval time.Duration
	ConnectTimeout    time.Duration

	// EventBuffer sizes the channel returned by Events.
	EventBuffer int

	Logger Logger
}

// entry is one registry slot. p is nil while the candidate is reserved by
// a discovery cycle that is still connecting.
type entry struct {
	p     *printer.Printer
	drain *tasks.Task
}

// Manager discovers printers, owns their handles and coordinates their
// shutdown.
//
// Structural changes (add, remove, shutdown) are serialised by mu. Readers
// use a copy-on-write snapshot and never take the lock.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger Logger

	mu       sync.Mutex
	entries  map[string]*entry
	order    []*entry
	started  *tasks.Task
	shutdown bool

	snapshot atomic.Pointer[[]*entry]

	events        chan printer.Event
	results       chan tasks.Result
	eventsDropped atomic.Uint64
}

// NewManager creates a dormant manager. Nothing is discovered until
// Discover or Start is called.
func NewManager(opts Options) (*Manager, error) {
	if opts.Discoverer == nil || opts.Factory == nil || opts.Tasks == nil {
		return nil, errors.New("comms: discoverer, factory and task controller are required")
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = defaultDiscoveryInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	m := &Manager{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		events:  make(chan printer.Event, opts.EventBuffer),
		results: make(chan tasks.Result, resultBuffer),
	}
	m.opts.Printer.Events = m.events
	if m.opts.Printer.Logger == nil {
		m.opts.Printer.Logger = logger
	}
	m.snapshot.Store(&[]*entry{})
	return m, nil
}

// Events returns the fan-in channel of printer events. It is never closed;
// events are dropped when it is full.
func (m *Manager) Events() <-chan printer.Event { return m.events }

// EventsDropped returns how many manager-level events were dropped.
func (m *Manager) EventsDropped() uint64 { return m.eventsDropped.Load() }

// Discover scans for printers and attaches each new one: it builds the
// link, connects, registers the handle and spawns its drain worker as a
// managed task.
//
// Candidates already registered are skipped. A candidate that cannot be
// attached is logged as a *DiscoveryError and skipped without affecting the
// others. Connection attempts run concurrently.
//
// Returns:
//   - []*printer.Printer: Printers added by this call, in discovery order
//   - error: ErrShutdown, or ErrNoCandidates if the discoverer failed
//     without reporting anything
func (m *Manager) Discover(ctx context.Context) ([]*printer.Printer, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	candidates, err := m.opts.Discoverer.Discover(ctx)
	if err != nil {
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoCandidates, err)
		}
		m.logger.Warn("discovery partially failed", "error", err, "found", len(candidates))
	}

	reserved := m.reserve(candidates)
	if len(reserved) == 0 {
		return nil, nil
	}

	handles := make([]*printer.Printer, len(reserved))
	var g errgroup.Group
	for i, c := range reserved {
		g.Go(func() error {
			p, err := m.attach(ctx, c)
			if err != nil {
				m.logger.Warn("skipping printer", "error", &DiscoveryError{CandidateID: c.ID, Err: err})
				return nil
			}
			handles[i] = p
			return nil
		})
	}
	g.Wait() //nolint:errcheck // failures are per candidate

	var added []*printer.Printer
	for i, c := range reserved {
		if m.register(c.ID, handles[i]) {
			added = append(added, handles[i])
		}
	}
	return added, nil
}

// reserve claims registry slots for candidates not yet registered, so that
// concurrent discovery cycles never build two handles for one ID.
func (m *Manager) reserve(candidates []transport.Candidate) []transport.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	var out []transport.Candidate
	for _, c := range candidates {
		if _, ok := m.entries[c.ID]; ok {
			continue
		}
		m.entries[c.ID] = &entry{}
		out = append(out, c)
	}
	return out
}

// attach builds and connects a printer. It runs outside the registry lock.
func (m *Manager) attach(ctx context.Context, c transport.Candidate) (*printer.Printer, error) {
	link, err := m.opts.Factory.NewLink(c)
	if err != nil {
		return nil, err
	}
	p := printer.New(c, link, m.opts.Printer)

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	if err := p.Connect(connectCtx); err != nil {
		if cerr := p.ReleaseLink(); cerr != nil {
			m.logger.Debug("closing link after failed connect", "printer_id", c.ID, "error", cerr)
		}
		return nil, err
	}
	return p, nil
}

// register turns a reservation into a live entry and starts the drain
// worker. A nil p, or a shutdown that raced the connect, drops the
// reservation instead.
func (m *Manager) register(id string, p *printer.Printer) bool {
	m.mu.Lock()
	if p == nil || m.shutdown {
		delete(m.entries, id)
		m.mu.Unlock()
		if p != nil {
			_ = p.ReleaseLink()
		}
		return false
	}

	e := m.entries[id]
	e.p = p
	e.drain = m.opts.Tasks.Spawn(context.Background(), "drain:"+id, m.drainFunc(p),
		tasks.WithResults(m.results),
		tasks.WithTerminate(func() {
			if err := p.ReleaseLink(); err != nil {
				m.logger.Warn("closing link of terminated drain", "printer_id", id, "error", err)
			}
		}),
	)
	m.order = append(m.order, e)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("printer attached", "printer_id", id, "kind", p.Kind())
	m.emit(p.NewEvent(printer.EventPrinterAdded))
	return true
}

// drainFunc wraps Printer.Run so that the link is released as soon as the
// drain ends with a failed transfer or a closed queue. A drain that outlives
// Remove or Shutdown closes its own link when its last payload finishes.
func (m *Manager) drainFunc(p *printer.Printer) tasks.Func {
	return func(ctx context.Context) error {
		err := p.Run(ctx)
		failed := err != nil && !errors.Is(err, context.Canceled)
		if failed || p.Queue().Closed() {
			if cerr := p.ReleaseLink(); cerr != nil {
				m.logger.Warn("closing printer link after drain", "printer_id", p.ID(), "error", cerr)
			}
		}
		return err
	}
}

// publishLocked replaces the reader snapshot. Caller holds m.mu.
func (m *Manager) publishLocked() {
	snap := make([]*entry, len(m.order))
	copy(snap, m.order)
	m.snapshot.Store(&snap)
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// ListDevices returns the registered printers in discovery order. It never
// blocks on printer I/O.
func (m *Manager) ListDevices() []*printer.Printer {
	snap := *m.snapshot.Load()
	out := make([]*printer.Printer, len(snap))
	for i, e := range snap {
		out[i] = e.p
	}
	return out
}

// Statuses returns a status snapshot of every registered printer.
func (m *Manager) Statuses() []printer.Status {
	snap := *m.snapshot.Load()
	out := make([]printer.Status, len(snap))
	for i, e := range snap {
		out[i] = e.p.Status()
	}
	return out
}

// AnyDeviceTransferring reports whether any registered printer outside the
// Error state is sending a payload.
func (m *Manager) AnyDeviceTransferring() bool {
	for _, e := range *m.snapshot.Load() {
		if e.p.Transferring() && e.p.State() != printer.StateError {
			return true
		}
	}
	return false
}

// CloseCheck answers a request to close the application. Busy is true
// while any printer is transferring; the caller decides whether to veto.
type CloseCheck struct {
	Busy     bool     `json:"busy"`
	Printers []string `json:"printers"`
}

// CloseCheck reports which printers are transferring, using the same rule
// as AnyDeviceTransferring.
func (m *Manager) CloseCheck() CloseCheck {
	check := CloseCheck{Printers: []string{}}
	for _, e := range *m.snapshot.Load() {
		if e.p.Transferring() && e.p.State() != printer.StateError {
			check.Printers = append(check.Printers, e.p.ID())
		}
	}
	check.Busy = len(check.Printers) > 0
	return check
}

// Get returns the registered printer with the given ID.
func (m *Manager) Get(id string) (*printer.Printer, error) {
	for _, e := range *m.snapshot.Load() {
		if e.p.ID() == id {
			return e.p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, id)
}

// Submit enqueues data on the printer's send queue.
//
// Returns:
//   - *printer.Ticket: Resolves with the payload's outcome
//   - error: ErrPrinterNotFound, printer.ErrQueueClosed,
//     printer.ErrNotConnected or ctx.Err()
func (m *Manager) Submit(ctx context.Context, id, jobID string, data []byte) (*printer.Ticket, error) {
	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, jobID, data)
}

// Remove detaches one printer: its queue is closed, its drain cancelled
// and, once the drain has finished, its link released. If ctx expires
// first the link is left to the drain task's forced termination.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.p == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPrinterNotFound, id)
	}
	delete(m.entries, id)
	for i, o := range m.order {
		if o == e {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	err := m.detach(ctx, e)
	m.logger.Info("printer removed", "printer_id", id)
	m.emit(e.p.NewEvent(printer.EventPrinterRemoved))
	return err
}

// detach closes the queue, cancels the drain and releases the link once
// the drain is done.
func (m *Manager) detach(ctx context.Context, e *entry) error {
	e.p.CloseQueue()
	e.drain.Cancel()

	select {
	case <-e.drain.Done():
	default:
		select {
		case <-e.drain.Done():
		case <-ctx.Done():
			m.logger.Warn("drain still running, link left open",
				"printer_id", e.p.ID(),
				"transferring", e.p.Transferring(),
			)
			return fmt.Errorf("comms: detaching %s: %w", e.p.ID(), ctx.Err())
		}
	}

	if err := e.p.ReleaseLink(); err != nil {
		m.logger.Warn("closing printer link", "printer_id", e.p.ID(), "error", err)
	}
	return nil
}

// Start spawns the discovery loop as a managed task. The first scan runs
// immediately, then every DiscoveryInterval. Calling Start again is a
// no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.started != nil {
		return nil
	}
	m.started = m.opts.Tasks.Spawn(ctx, "discovery", m.discoveryLoop)
	m.logger.Info("printer discovery started", "interval", m.opts.DiscoveryInterval)
	return nil
}

func (m *Manager) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.DiscoveryInterval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		case res := <-m.results:
			m.logResult(res)
		}
	}
}

func (m *Manager) scan(ctx context.Context) {
	added, err := m.Discover(ctx)
	switch {
	case err == nil:
		if len(added) > 0 {
			m.logger.Debug("discovery cycle attached printers", "count", len(added))
		}
	case ctx.Err() != nil, errors.Is(err, ErrShutdown):
	default:
		m.logger.Warn("discovery cycle failed", "error", err)
	}
}

func (m *Manager) logResult(res tasks.Result) {
	if res.Err != nil {
		m.logger.Warn("drain worker ended", "task", res.Name, "state", res.State, "error", res.Err)
		return
	}
	m.logger.Debug("drain worker ended", "task", res.Name, "state", res.State)
}

// Shutdown disconnects every printer. Each queue stops accepting payloads,
// each drain and the discovery loop are cancelled, and links are released
// as their drains finish. A link whose drain is still mid-payload when ctx
// expires is left open for forced termination.
//
// Shutdown is idempotent: later calls return nil and touch nothing.
//
// Returns:
//   - error: Non-nil only if ctx expired with drains still running
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	entries := m.order
	discovery := m.started
	m.order = nil
	clear(m.entries)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("shutting down printer connections", "printers", len(entries))

	if discovery != nil {
		discovery.Cancel()
	}
	for _, e := range entries {
		e.p.CloseQueue()
		e.drain.Cancel()
	}

	var running int
	for _, e := range entries {
		if err := m.detach(ctx, e); err != nil {
			running++
		}
		m.emit(e.p.NewEvent(printer.EventPrinterRemoved))
	}

	if discovery != nil {
		select {
		case <-discovery.Done():
		case <-ctx.Done():
		}
	}

	if running > 0 {
		return fmt.Errorf("comms: %d drain(s) still running: %w", running, ctx.Err())
	}
	m.logger.Info("printer connections closed")
	return nil
}

func (m *Manager) emit(ev printer.Event) {
	select {
	case m.events <- ev:
	default:
		if n := m.eventsDropped.Add(1); n == 1 || n%100 == 0 {
			m.logger.Warn("manager event dropped, channel full", "dropped_total", n)
		}
	}
}
