package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/printlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/printlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/printlink-core/internal/journal"
	"github.com/nerrad567/printlink-core/internal/printer"
	"github.com/nerrad567/printlink-core/internal/tasks"
	"github.com/nerrad567/printlink-core/internal/transport"
)

// fakeSource serves real printers on simulated links.
type fakeSource struct {
	events   chan printer.Event
	printers map[string]*printer.Printer
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:   make(chan printer.Event, 64),
		printers: make(map[string]*printer.Printer),
	}
}

// add connects a printer on a sim link and starts its drain.
func (s *fakeSource) add(t *testing.T, id string, opts ...transport.SimOption) *printer.Printer {
	t.Helper()
	c := transport.Candidate{ID: id, Kind: transport.KindSimulated, Address: "sim://" + id}
	p := printer.New(c, transport.NewSimLink(id, opts...), printer.Options{
		QueueCapacity: 4,
		Retry:         printer.RetryPolicy{MaxAttempts: 1},
		SendTimeout:   time.Second,
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s) error = %v", id, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = p.Disconnect()
	})
	s.printers[id] = p
	return p
}

func (s *fakeSource) Events() <-chan printer.Event { return s.events }

func (s *fakeSource) Get(id string) (*printer.Printer, error) {
	if p, ok := s.printers[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no printer %s", id)
}

func (s *fakeSource) Submit(ctx context.Context, id, jobID string, data []byte) (*printer.Ticket, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, jobID, data)
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeMQTT struct {
	mu         sync.Mutex
	messages   []published
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	sent       chan published
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler), sent: make(chan published, 64)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	msg := published{topic: topic, payload: payload, retained: retained}
	f.messages = append(f.messages, msg)
	f.sent <- msg
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

// nextAck waits for the next message on an ack topic.
func (f *fakeMQTT) nextAck(t *testing.T) AckMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.sent:
			if mqtt.PrinterIDFromTopic(msg.topic) == "" || msg.topic != (mqtt.Topics{}).PrinterAck(mqtt.PrinterIDFromTopic(msg.topic)) {
				continue
			}
			var ack AckMessage
			if err := json.Unmarshal(msg.payload, &ack); err != nil {
				t.Fatalf("ack payload %s: %v", msg.payload, err)
			}
			return ack
		case <-deadline:
			t.Fatal("no ack published")
			return AckMessage{}
		}
	}
}

type fakeMetrics struct {
	mu        sync.Mutex
	transfers []influxdb.Transfer
	states    []string
}

func (m *fakeMetrics) WriteTransfer(t influxdb.Transfer) {
	m.mu.Lock()
	m.transfers = append(m.transfers, t)
	m.mu.Unlock()
}

func (m *fakeMetrics) WritePrinterState(id, state string, _ bool, _ time.Time) {
	m.mu.Lock()
	m.states = append(m.states, id+"="+state)
	m.mu.Unlock()
}

type fakeJournal struct {
	mu        sync.Mutex
	printers  []journal.PrinterRecord
	transfers []journal.TransferRecord
	err       error
}

func (j *fakeJournal) UpsertPrinter(_ context.Context, rec journal.PrinterRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.printers = append(j.printers, rec)
	return nil
}

func (j *fakeJournal) RecordTransfer(_ context.Context, rec journal.TransferRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.transfers = append(j.transfers, rec)
	return nil
}

func (j *fakeJournal) ListTransfers(context.Context, string, int) ([]journal.TransferRecord, error) {
	return nil, nil
}

func (j *fakeJournal) ListPrinters(context.Context) ([]journal.PrinterRecord, error) {
	return nil, nil
}

type fakeHub struct {
	mu       sync.Mutex
	channels []string
}

func (h *fakeHub) Broadcast(channel string, _ any) {
	h.mu.Lock()
	h.channels = append(h.channels, channel)
	h.mu.Unlock()
}

type fixture struct {
	source  *fakeSource
	mqtt    *fakeMQTT
	metrics *fakeMetrics
	journal *fakeJournal
	hub     *fakeHub
	tasks   *tasks.Controller
	bridge  *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source:  newFakeSource(),
		mqtt:    newFakeMQTT(),
		metrics: &fakeMetrics{},
		journal: &fakeJournal{},
		hub:     &fakeHub{},
		tasks:   tasks.NewController(),
	}
	b, err := New(Options{
		Source:        f.source,
		Tasks:         f.tasks,
		MQTT:          f.mqtt,
		Metrics:       f.metrics,
		Journal:       f.journal,
		Hub:           f.hub,
		SubmitTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.bridge = b
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.bridge.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
}

func command(t *testing.T, id, jobID string, data []byte) []byte {
	t.Helper()
	b, err := json.Marshal(JobCommand{ID: id, JobID: jobID, Data: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNew_RequiresSourceAndTasks(t *testing.T) {
	if _, err := New(Options{Tasks: tasks.NewController()}); !errors.Is(err, ErrMissingSource) {
		t.Errorf("New(no source) error = %v", err)
	}
	if _, err := New(Options{Source: newFakeSource()}); !errors.Is(err, ErrMissingSource) {
		t.Errorf("New(no tasks) error = %v", err)
	}
	b, err := New(Options{Source: newFakeSource(), Tasks: tasks.NewController()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if b.opts.QoS != defaultQoS || b.opts.SinkTimeout != defaultSinkTimeout {
		t.Errorf("defaults not applied: %+v", b.opts)
	}
}

func TestStart_RegistersTaskAndSubscription(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if f.mqtt.handler(mqtt.Topics{}.AllPrinterCommands()) == nil {
		t.Error("command topic not subscribed")
	}
	if f.tasks.Count() != 1 || f.tasks.List()[0].Name != "bridge" {
		t.Errorf("tasks = %+v, want one bridge task", f.tasks.List())
	}
	if err := f.bridge.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
	f.start(t)

	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if f.tasks.Count() != 0 {
		t.Errorf("tasks after Stop = %d, want 0", f.tasks.Count())
	}
	if f.mqtt.handler(mqtt.Topics{}.AllPrinterCommands()) != nil {
		t.Error("command topic still subscribed")
	}
}

func TestHandleEvent_FansOut(t *testing.T) {
	f := newFixture(t)
	f.source.add(t, "sim-1")
	ctx := context.Background()
	now := time.Now()

	events := []printer.Event{
		{Type: printer.EventPrinterAdded, PrinterID: "sim-1", State: printer.StateConnected, Time: now},
		{Type: printer.EventPayloadQueued, PrinterID: "sim-1", State: printer.StateConnected, PayloadID: "p1", Time: now},
		{Type: printer.EventTransferStarted, PrinterID: "sim-1", State: printer.StateConnected, Transferring: true, PayloadID: "p1", Time: now},
		{Type: printer.EventTransferCompleted, PrinterID: "sim-1", State: printer.StateConnected, PayloadID: "p1", JobID: "j1", Bytes: 10, Attempts: 1, Duration: time.Second, Time: now},
		{Type: printer.EventTransferFailed, PrinterID: "sim-1", State: printer.StateError, PayloadID: "p2", JobID: "j1", Bytes: 5, Attempts: 3, Error: "severed", Time: now},
		{Type: printer.EventPrinterRemoved, PrinterID: "sim-1", State: printer.StateDisconnected, Time: now},
	}
	for _, ev := range events {
		f.bridge.handleEvent(ctx, ev)
	}

	wantChannels := []string{
		ChannelPrinterStatus, ChannelPrinterTransfer, ChannelPrinterTransfer,
		ChannelPrinterTransfer, ChannelPrinterTransfer, ChannelPrinterStatus,
	}
	if fmt.Sprint(f.hub.channels) != fmt.Sprint(wantChannels) {
		t.Errorf("broadcast channels = %v, want %v", f.hub.channels, wantChannels)
	}

	if len(f.journal.transfers) != 2 {
		t.Fatalf("journal transfers = %d, want 2", len(f.journal.transfers))
	}
	if tr := f.journal.transfers[0]; tr.Status != journal.StatusCompleted || tr.PayloadID != "p1" || tr.Duration != time.Second {
		t.Errorf("first transfer = %+v", tr)
	}
	if tr := f.journal.transfers[1]; tr.Status != journal.StatusFailed || tr.Error != "severed" || tr.Attempts != 3 {
		t.Errorf("second transfer = %+v", tr)
	}

	if len(f.journal.printers) != 2 {
		t.Fatalf("journal printers = %d, want 2", len(f.journal.printers))
	}
	if rec := f.journal.printers[0]; rec.Kind != string(transport.KindSimulated) || rec.Address != "sim://sim-1" || rec.State != "connected" {
		t.Errorf("printer record = %+v", rec)
	}

	if len(f.metrics.transfers) != 2 || !f.metrics.transfers[0].OK || f.metrics.transfers[1].OK {
		t.Errorf("metric transfers = %+v", f.metrics.transfers)
	}
	// added, started, completed, failed
	if len(f.metrics.states) != 4 {
		t.Errorf("metric states = %v", f.metrics.states)
	}

	// The last state message is the retained clear on removal.
	last := f.mqtt.messages[len(f.mqtt.messages)-1]
	if last.topic != (mqtt.Topics{}).PrinterState("sim-1") || !last.retained || len(last.payload) != 0 {
		t.Errorf("last message = %+v, want retained clear", last)
	}
	var st StateMessage
	if err := json.Unmarshal(f.mqtt.messages[0].payload, &st); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if st.State != printer.StateConnected || st.Kind != string(transport.KindSimulated) {
		t.Errorf("state message = %+v", st)
	}

	if got := f.bridge.Stats().Events; got != uint64(len(events)) {
		t.Errorf("Stats().Events = %d, want %d", got, len(events))
	}
	if len(f.bridge.printers) != 0 {
		t.Error("printer info not dropped on removal")
	}
}

func TestHandleEvent_SinkErrorsCounted(t *testing.T) {
	f := newFixture(t)
	f.journal.err = errors.New("disk full")
	f.mqtt.publishErr = errors.New("broker gone")

	f.bridge.handleEvent(context.Background(), printer.Event{
		Type: printer.EventStateChanged, PrinterID: "ghost", State: printer.StateError, Time: time.Now(),
	})

	if got := f.bridge.Stats().SinkErrors; got != 2 {
		t.Errorf("SinkErrors = %d, want 2", got)
	}
	if len(f.hub.channels) != 1 {
		t.Errorf("broadcasts = %v, want one despite sink errors", f.hub.channels)
	}
}

func TestRun_ConsumesSourceEvents(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.source.events <- printer.Event{Type: printer.EventStateChanged, PrinterID: "sim-9", State: printer.StateConnected, Time: time.Now()}

	select {
	case msg := <-f.mqtt.sent:
		if msg.topic != (mqtt.Topics{}).PrinterState("sim-9") {
			t.Errorf("published to %s", msg.topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not handled")
	}
}

func TestRun_DrainsBufferedEventsOnStop(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"sim-1", "sim-2"} {
		f.source.events <- printer.Event{Type: printer.EventPrinterRemoved, PrinterID: id, State: printer.StateDisconnected, Time: time.Now()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.bridge.run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if len(f.source.events) != 0 {
		t.Errorf("%d events left unhandled", len(f.source.events))
	}
	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	if len(f.journal.printers) != 2 {
		t.Errorf("journal printers = %d, want 2", len(f.journal.printers))
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name      string
		simOpts   []transport.SimOption
		printerID string
		payload   func(t *testing.T) []byte
		wantAcks  []AckStatus
		wantErr   error
	}{
		{
			name:      "completed",
			printerID: "sim-1",
			payload:   func(t *testing.T) []byte { return command(t, "cmd-1", "job-1", []byte("G28\n")) },
			wantAcks:  []AckStatus{AckQueued, AckCompleted},
		},
		{
			name: "transfer failed",
			simOpts: []transport.SimOption{transport.WithSimFailure(func(int, []byte) error {
				return transport.ErrLinkSevered
			})},
			printerID: "sim-1",
			payload:   func(t *testing.T) []byte { return command(t, "cmd-2", "job-1", []byte("G28\n")) },
			wantAcks:  []AckStatus{AckQueued, AckFailed},
		},
		{
			name:      "unknown printer",
			printerID: "sim-404",
			payload:   func(t *testing.T) []byte { return command(t, "cmd-3", "job-1", []byte("G28\n")) },
			wantAcks:  []AckStatus{AckFailed},
		},
		{
			name:      "bad json",
			printerID: "sim-1",
			payload:   func(*testing.T) []byte { return []byte("{") },
			wantAcks:  []AckStatus{AckFailed},
			wantErr:   ErrInvalidCommand,
		},
		{
			name:      "empty data",
			printerID: "sim-1",
			payload:   func(t *testing.T) []byte { return command(t, "cmd-5", "job-1", nil) },
			wantAcks:  []AckStatus{AckFailed},
			wantErr:   ErrInvalidCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.source.add(t, "sim-1", tt.simOpts...)
			f.start(t)

			handler := f.mqtt.handler(mqtt.Topics{}.AllPrinterCommands())
			err := handler(mqtt.Topics{}.PrinterCommand(tt.printerID), tt.payload(t))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("handler error = %v, want %v", err, tt.wantErr)
			}

			for i, want := range tt.wantAcks {
				ack := f.mqtt.nextAck(t)
				if ack.Status != want {
					t.Errorf("ack %d status = %s (%s), want %s", i, ack.Status, ack.Error, want)
				}
				if ack.PrinterID != tt.printerID {
					t.Errorf("ack %d printer = %s", i, ack.PrinterID)
				}
				if want == AckQueued && ack.PayloadID == "" {
					t.Error("queued ack without payload id")
				}
				if want == AckFailed && ack.Error == "" {
					t.Error("failed ack without error")
				}
			}
		})
	}
}

func TestHandleCommand_RejectsNonPrinterTopic(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if err := f.bridge.handleCommand("printlink/system/status", nil); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("handleCommand() error = %v, want ErrInvalidCommand", err)
	}
	if f.bridge.Stats().Commands != 0 {
		t.Error("non-printer topic counted as a command")
	}
}

func TestStop_WaitsForPendingAcks(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t)
	f.source.add(t, "sim-1", transport.WithSimGate(gate))
	f.start(t)

	handler := f.mqtt.handler(mqtt.Topics{}.AllPrinterCommands())
	if err := handler(mqtt.Topics{}.PrinterCommand("sim-1"), command(t, "cmd-1", "job-1", []byte("G1"))); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	ack := f.mqtt.nextAck(t)
	if ack.Status != AckQueued {
		t.Fatalf("first ack = %s", ack.Status)
	}

	hasAckTask := func() bool {
		for _, info := range f.tasks.List() {
			if info.Name == "ack:"+ack.PayloadID {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(2 * time.Second)
	for !hasAckTask() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !hasAckTask() {
		t.Errorf("tasks = %+v, want an ack:%s task", f.tasks.List(), ack.PayloadID)
	}

	// Stop cancels the ticket wait, so no final ack is published.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.bridge.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, info := range f.tasks.List() {
		if strings.HasPrefix(info.Name, "ack:") {
			t.Errorf("ack task %s still registered after Stop", info.Name)
		}
	}
	close(gate)

	select {
	case msg := <-f.mqtt.sent:
		t.Errorf("unexpected publish after Stop: %s", msg.topic)
	case <-time.After(100 * time.Millisecond):
	}

	if err := handler(mqtt.Topics{}.PrinterCommand("sim-1"), command(t, "cmd-2", "job-1", []byte("G1"))); err != nil {
		t.Errorf("handler after Stop error = %v", err)
	}
}
