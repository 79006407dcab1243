package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/printlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/printlink-core/internal/journal"
	"github.com/nerrad567/printlink-core/internal/printer"
	"github.com/nerrad567/printlink-core/internal/tasks"
)

// WebSocket channels the bridge broadcasts on.
const (
	ChannelPrinterStatus   = "printer.status"
	ChannelPrinterTransfer = "printer.transfer"
)

const (
	defaultQoS           byte = 1
	defaultSinkTimeout        = 5 * time.Second
	defaultSubmitTimeout      = 10 * time.Second
)

// Logger defines the logging interface for the bridge package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Source is the printer registry the bridge observes and submits to.
// *comms.Manager satisfies it.
type Source interface {
	Events() <-chan printer.Event
	Get(id string) (*printer.Printer, error)
	Submit(ctx context.Context, id, jobID string, data []byte) (*printer.Ticket, error)
}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MetricsWriter records time-series points. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteTransfer(t influxdb.Transfer)
	WritePrinterState(printerID, state string, transferring bool, at time.Time)
}

// Broadcaster pushes events to WebSocket subscribers. *api.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Options configures a Bridge. Source and Tasks are required; every sink
// is optional and skipped when nil.
type Options struct {
	Source Source
	Tasks  *tasks.Controller

	MQTT    MQTTClient
	Metrics MetricsWriter
	Journal journal.Repository
	Hub     Broadcaster

	// QoS for state, ack and command topics. Zero means 1.
	QoS byte

	// SinkTimeout bounds each journal write.
	SinkTimeout time.Duration

	// SubmitTimeout bounds how long a job command may wait for queue space.
	SubmitTimeout time.Duration

	Logger Logger
}

// Stats are the bridge's counters.
type Stats struct {
	Events           uint64 `json:"events"`
	Commands         uint64 `json:"commands"`
	CommandsRejected uint64 `json:"commands_rejected"`
	SinkErrors       uint64 `json:"sink_errors"`
}

type printerInfo struct {
	kind    string
	address string
}

// Bridge fans printer events out to MQTT, InfluxDB, the journal and
// WebSocket clients, and turns MQTT job commands into submissions.
//
// Thread Safety:
//   - Start and Stop are safe for concurrent use.
//   - Events are handled on the bridge's own managed task, one at a time.
type Bridge struct {
	opts   Options
	logger Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	task    *tasks.Task
	acks    map[string]*tasks.Task // "ack:" tasks by task ID

	// printers caches kind and address; only the event loop touches it.
	printers map[string]printerInfo

	events     atomic.Uint64
	commands   atomic.Uint64
	rejected   atomic.Uint64
	sinkErrors atomic.Uint64
}

// New creates a bridge. It does nothing until Start.
func New(opts Options) (*Bridge, error) {
	if opts.Source == nil || opts.Tasks == nil {
		return nil, ErrMissingSource
	}
	if opts.QoS == 0 {
		opts.QoS = defaultQoS
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		opts:     opts,
		logger:   logger,
		printers: make(map[string]printerInfo),
		acks:     make(map[string]*tasks.Task),
	}, nil
}

// Start subscribes to job commands and spawns the event loop as the
// managed task "bridge".
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	if b.opts.MQTT != nil {
		if err := b.opts.MQTT.Subscribe(mqtt.Topics{}.AllPrinterCommands(), b.opts.QoS, b.handleCommand); err != nil {
			b.cancel()
			return fmt.Errorf("subscribing to job commands: %w", err)
		}
	}

	b.started = true
	b.task = b.opts.Tasks.Spawn(b.ctx, "bridge", b.run)
	b.logger.Info("event bridge started",
		"mqtt", b.opts.MQTT != nil,
		"metrics", b.opts.Metrics != nil,
		"journal", b.opts.Journal != nil,
		"websocket", b.opts.Hub != nil)
	return nil
}

// Stop unsubscribes from commands, stops the event loop and waits for the
// "ack:" tasks still waiting on a ticket. Safe to call more than once.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	task := b.task
	acks := make([]*tasks.Task, 0, len(b.acks))
	for _, t := range b.acks {
		acks = append(acks, t)
	}
	b.mu.Unlock()

	if b.opts.MQTT != nil {
		if err := b.opts.MQTT.Unsubscribe(mqtt.Topics{}.AllPrinterCommands()); err != nil {
			b.logger.Debug("unsubscribing from job commands failed", "error", err)
		}
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		for _, t := range acks {
			<-t.Done()
		}
		<-task.Done()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bridge stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: stop: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the bridge's counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Events:           b.events.Load(),
		Commands:         b.commands.Load(),
		CommandsRejected: b.rejected.Load(),
		SinkErrors:       b.sinkErrors.Load(),
	}
}

func (b *Bridge) run(ctx context.Context) error {
	events := b.opts.Source.Events()
	for {
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx), events)
			return nil
		case ev := <-events:
			b.handleEvent(ctx, ev)
		}
	}
}

// drain handles events already buffered when the loop was stopped, such as
// the removals emitted by a connection manager shutdown.
func (b *Bridge) drain(ctx context.Context, events <-chan printer.Event) {
	for {
		select {
		case ev := <-events:
			b.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev printer.Event) {
	b.events.Add(1)

	switch ev.Type {
	case printer.EventPayloadQueued:
		b.broadcast(ChannelPrinterTransfer, ev)
	case printer.EventTransferStarted:
		b.broadcast(ChannelPrinterTransfer, ev)
		b.publishState(ev)
	case printer.EventTransferCompleted, printer.EventTransferFailed:
		b.broadcast(ChannelPrinterTransfer, ev)
		b.recordTransfer(ctx, ev)
		b.publishState(ev)
	case printer.EventPrinterRemoved:
		b.broadcast(ChannelPrinterStatus, ev)
		b.recordPrinter(ctx, ev)
		b.clearState(ev.PrinterID)
		delete(b.printers, ev.PrinterID)
	default:
		b.broadcast(ChannelPrinterStatus, ev)
		b.recordPrinter(ctx, ev)
		b.publishState(ev)
	}
}

// lookup returns the kind and address of a printer, caching them while
// the printer is registered.
func (b *Bridge) lookup(id string) printerInfo {
	if info, ok := b.printers[id]; ok {
		return info
	}
	p, err := b.opts.Source.Get(id)
	if err != nil {
		return printerInfo{}
	}
	st := p.Status()
	info := printerInfo{kind: string(st.Kind), address: st.Address}
	b.printers[id] = info
	return info
}

func (b *Bridge) broadcast(channel string, ev printer.Event) {
	if b.opts.Hub != nil {
		b.opts.Hub.Broadcast(channel, ev)
	}
}

func (b *Bridge) publishState(ev printer.Event) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.WritePrinterState(ev.PrinterID, string(ev.State), ev.Transferring, ev.Time)
	}
	if b.opts.MQTT == nil {
		return
	}

	info := b.lookup(ev.PrinterID)
	msg := StateMessage{
		PrinterID:    ev.PrinterID,
		Kind:         info.kind,
		Address:      info.address,
		State:        ev.State,
		Transferring: ev.Transferring,
		Error:        ev.Error,
		Timestamp:    ev.Time.UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal printer state", "printer_id", ev.PrinterID, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(mqtt.Topics{}.PrinterState(ev.PrinterID), payload, b.opts.QoS, true); err != nil {
		b.sinkFailed("mqtt", ev.PrinterID, err)
	}
}

// clearState removes the retained state of a printer that left the registry.
func (b *Bridge) clearState(id string) {
	if b.opts.MQTT == nil {
		return
	}
	if err := b.opts.MQTT.Publish(mqtt.Topics{}.PrinterState(id), nil, b.opts.QoS, true); err != nil {
		b.sinkFailed("mqtt", id, err)
	}
}

func (b *Bridge) recordPrinter(ctx context.Context, ev printer.Event) {
	if b.opts.Journal == nil {
		return
	}
	info := b.lookup(ev.PrinterID)

	ctx, cancel := context.WithTimeout(ctx, b.opts.SinkTimeout)
	defer cancel()
	err := b.opts.Journal.UpsertPrinter(ctx, journal.PrinterRecord{
		ID:       ev.PrinterID,
		Kind:     info.kind,
		Address:  info.address,
		State:    string(ev.State),
		LastSeen: ev.Time,
	})
	if err != nil {
		b.sinkFailed("journal", ev.PrinterID, err)
	}
}

func (b *Bridge) recordTransfer(ctx context.Context, ev printer.Event) {
	ok := ev.Type == printer.EventTransferCompleted

	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteTransfer(influxdb.Transfer{
			PrinterID: ev.PrinterID,
			JobID:     ev.JobID,
			Bytes:     ev.Bytes,
			Attempts:  ev.Attempts,
			Duration:  ev.Duration,
			OK:        ok,
			Time:      ev.Time,
		})
	}
	if b.opts.Journal == nil {
		return
	}

	status := journal.StatusCompleted
	if !ok {
		status = journal.StatusFailed
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.SinkTimeout)
	defer cancel()
	err := b.opts.Journal.RecordTransfer(ctx, journal.TransferRecord{
		PayloadID:  ev.PayloadID,
		JobID:      ev.JobID,
		PrinterID:  ev.PrinterID,
		Bytes:      ev.Bytes,
		Attempts:   ev.Attempts,
		Status:     status,
		Error:      ev.Error,
		Duration:   ev.Duration,
		FinishedAt: ev.Time,
	})
	if err != nil {
		b.sinkFailed("journal", ev.PrinterID, err)
	}
}

func (b *Bridge) sinkFailed(sink, printerID string, err error) {
	if n := b.sinkErrors.Add(1); n == 1 || n%100 == 0 {
		b.logger.Warn("bridge sink write failed", "sink", sink, "printer_id", printerID, "error", err, "errors_total", n)
	}
}

// handleCommand runs on the MQTT client's goroutine for every message on
// printlink/command/printer/+.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	printerID := mqtt.PrinterIDFromTopic(topic)
	if printerID == "" {
		return fmt.Errorf("%w: topic %s", ErrInvalidCommand, topic)
	}
	b.commands.Add(1)

	cmd, data, err := decodeCommand(payload)
	if err != nil {
		b.reject(cmd, printerID, err)
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	ctx := b.ctx
	b.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, b.opts.SubmitTimeout)
	ticket, err := b.opts.Source.Submit(submitCtx, printerID, cmd.JobID, data)
	cancel()
	if err != nil {
		b.reject(cmd, printerID, err)
		return nil
	}

	b.logger.Info("job command queued",
		"command_id", cmd.ID, "printer_id", printerID, "payload_id", ticket.PayloadID(), "bytes", len(data))
	b.publishAck(AckMessage{
		CommandID: cmd.ID,
		PrinterID: printerID,
		JobID:     cmd.JobID,
		PayloadID: ticket.PayloadID(),
		Status:    AckQueued,
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	for id, t := range b.acks {
		select {
		case <-t.Done():
			delete(b.acks, id)
		default:
		}
	}
	t := b.opts.Tasks.Spawn(ctx, "ack:"+ticket.PayloadID(), func(ctx context.Context) error {
		b.awaitTicket(ctx, cmd, printerID, ticket)
		return nil
	})
	b.acks[t.ID()] = t
	return nil
}

// awaitTicket publishes the final ack once the payload's outcome is known.
// Nothing is published if the bridge stops first.
func (b *Bridge) awaitTicket(ctx context.Context, cmd JobCommand, printerID string, ticket *printer.Ticket) {
	err := ticket.Wait(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		return
	}

	ack := AckMessage{
		CommandID: cmd.ID,
		PrinterID: printerID,
		JobID:     cmd.JobID,
		PayloadID: ticket.PayloadID(),
		Status:    AckCompleted,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = err.Error()
	}
	b.publishAck(ack)
}

func (b *Bridge) reject(cmd JobCommand, printerID string, err error) {
	b.rejected.Add(1)
	b.logger.Warn("job command rejected", "command_id", cmd.ID, "printer_id", printerID, "error", err)
	b.publishAck(AckMessage{
		CommandID: cmd.ID,
		PrinterID: printerID,
		JobID:     cmd.JobID,
		Status:    AckFailed,
		Error:     err.Error(),
	})
}

func (b *Bridge) publishAck(ack AckMessage) {
	if b.opts.MQTT == nil {
		return
	}
	ack.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "command_id", ack.CommandID, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(mqtt.Topics{}.PrinterAck(ack.PrinterID), payload, b.opts.QoS, false); err != nil {
		b.sinkFailed("mqtt", ack.PrinterID, err)
	}
}
