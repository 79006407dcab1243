package printer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/printlink-core/internal/transport"
)

func newTestPrinter(t *testing.T, events chan Event, opts ...transport.SimOption) (*Printer, *transport.SimLink) {
	t.Helper()
	link := transport.NewSimLink("sim-1", opts...)
	c := transport.Candidate{ID: "sim-1", Kind: transport.KindSimulated, Address: "sim"}
	p := New(c, link, Options{
		QueueCapacity: 4,
		Retry:         RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		SendTimeout:   time.Second,
		Events:        events,
	})
	return p, link
}

func drainEvents(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	p, _ := newTestPrinter(t, nil)
	if p.ID() != "sim-1" {
		t.Errorf("ID() = %q, want sim-1", p.ID())
	}
	if p.Kind() != transport.KindSimulated {
		t.Errorf("Kind() = %q, want %q", p.Kind(), transport.KindSimulated)
	}
	if p.State() != StateDisconnected {
		t.Errorf("State() = %q, want %q", p.State(), StateDisconnected)
	}
	if p.Transferring() {
		t.Error("new printer reports transferring")
	}

	bare := New(transport.Candidate{ID: "x"}, transport.NewSimLink("x"), Options{})
	if bare.Queue().Capacity() != defaultQueueCapacity {
		t.Errorf("default capacity = %d, want %d", bare.Queue().Capacity(), defaultQueueCapacity)
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name      string
		opts      []transport.SimOption
		wantState State
		wantErr   error
	}{
		{name: "success", wantState: StateConnected},
		{
			name:      "handshake failure",
			opts:      []transport.SimOption{transport.WithSimOpenError(errors.New("no hello"))},
			wantState: StateError,
			wantErr:   ErrConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := make(chan Event, 16)
			p, _ := newTestPrinter(t, events, tt.opts...)

			err := p.Connect(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if p.State() != tt.wantState {
				t.Errorf("State() = %q, want %q", p.State(), tt.wantState)
			}
			if tt.wantErr != nil && p.LastError() == nil {
				t.Error("LastError() = nil after failed connect")
			}

			var states []State
			for _, ev := range drainEvents(events) {
				if ev.Type == EventStateChanged {
					states = append(states, ev.State)
				}
			}
			if len(states) != 2 || states[0] != StateConnecting || states[1] != tt.wantState {
				t.Errorf("state events = %v, want [connecting %s]", states, tt.wantState)
			}
		})
	}
}

func TestSubmit_RequiresConnection(t *testing.T) {
	p, _ := newTestPrinter(t, nil)
	if _, err := p.Submit(context.Background(), "job", []byte("G28")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Submit() before Connect error = %v, want ErrNotConnected", err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run() before Connect error = %v, want ErrNotConnected", err)
	}
}

func TestRun_TransfersAndCounts(t *testing.T) {
	events := make(chan Event, 32)
	p, link := newTestPrinter(t, events)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	var last *Ticket
	for _, data := range []string{"G28", "G1 X10", "M104 S200"} {
		ticket, err := p.Submit(context.Background(), "job-7", []byte(data))
		if err != nil {
			t.Fatalf("Submit(%q) error = %v", data, err)
		}
		last = ticket
	}
	if err := waitTicket(t, last); err != nil {
		t.Fatalf("ticket error = %v", err)
	}

	p.CloseQueue()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}

	s := p.Status()
	if s.Transferred != 3 || s.Failed != 0 {
		t.Errorf("Status() transferred=%d failed=%d, want 3/0", s.Transferred, s.Failed)
	}
	if want := uint64(len("G28") + len("G1 X10") + len("M104 S200")); s.BytesSent != want {
		t.Errorf("BytesSent = %d, want %d", s.BytesSent, want)
	}
	if s.Address != "sim" || s.State != StateConnected {
		t.Errorf("Status() = %+v", s)
	}
	if len(link.Sent()) != 3 {
		t.Errorf("link accepted %d payloads, want 3", len(link.Sent()))
	}
	if stats, ok := p.LinkStats(); !ok || stats.FramesTx != 3 {
		t.Errorf("LinkStats() = %+v, %v", stats, ok)
	}

	counts := make(map[EventType]int)
	for _, ev := range drainEvents(events) {
		counts[ev.Type]++
		if ev.Type == EventTransferCompleted && ev.JobID != "job-7" {
			t.Errorf("completed event job = %q, want job-7", ev.JobID)
		}
	}
	for _, typ := range []EventType{EventPayloadQueued, EventTransferStarted, EventTransferCompleted} {
		if counts[typ] != 3 {
			t.Errorf("%s events = %d, want 3", typ, counts[typ])
		}
	}
}

func TestRun_PersistentFailureMovesToError(t *testing.T) {
	events := make(chan Event, 32)
	gate := make(chan struct{})
	p, _ := newTestPrinter(t, events,
		transport.WithSimGate(gate),
		transport.WithSimFailure(func(_ int, data []byte) error {
			if string(data) == "B" {
				return fmt.Errorf("%w: connection reset", transport.ErrLinkSevered)
			}
			return nil
		}),
	)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var tickets []*Ticket
	for _, name := range []string{"A", "B", "C"} {
		ticket, err := p.Submit(context.Background(), "job", []byte(name))
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", name, err)
		}
		tickets = append(tickets, ticket)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	gate <- struct{}{}
	gate <- struct{}{}

	err := <-done
	var terr *TransferError
	if !errors.As(err, &terr) || terr.PayloadID != tickets[1].PayloadID() {
		t.Fatalf("Run() error = %v, want TransferError for B", err)
	}

	// By the time B's ticket resolves the printer is already in Error.
	waitTicket(t, tickets[1])
	if p.State() != StateError {
		t.Errorf("State() = %q, want %q", p.State(), StateError)
	}
	if !errors.Is(waitTicket(t, tickets[2]), ErrQueueClosed) {
		t.Error("C should be abandoned")
	}
	if _, err := p.Submit(context.Background(), "job", []byte("D")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Submit() in Error state error = %v, want ErrQueueClosed", err)
	}

	s := p.Status()
	if s.Transferred != 1 || s.Failed != 1 || s.LastError == "" {
		t.Errorf("Status() = %+v, want 1 transferred, 1 failed, last error set", s)
	}

	var failed int
	for _, ev := range drainEvents(events) {
		if ev.Type == EventTransferFailed {
			failed++
			if ev.State != StateError || ev.Error == "" {
				t.Errorf("failed event = %+v", ev)
			}
		}
	}
	if failed != 1 {
		t.Errorf("transfer_failed events = %d, want 1", failed)
	}
}

func TestReleaseLink_Once(t *testing.T) {
	p, link := newTestPrinter(t, nil)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.ReleaseLink(); err != nil {
			t.Errorf("ReleaseLink() #%d error = %v", i, err)
		}
	}
	if link.CloseCount() != 1 {
		t.Errorf("link closed %d times, want 1", link.CloseCount())
	}
	if p.State() != StateDisconnected {
		t.Errorf("State() = %q, want %q", p.State(), StateDisconnected)
	}
}

func TestReleaseLink_KeepsErrorState(t *testing.T) {
	p, _ := newTestPrinter(t, nil, transport.WithSimOpenError(errors.New("boom")))
	_ = p.Connect(context.Background())
	_ = p.ReleaseLink()
	if p.State() != StateError {
		t.Errorf("State() = %q, want %q after release", p.State(), StateError)
	}
}

func TestDisconnect_AbandonsQueue(t *testing.T) {
	p, link := newTestPrinter(t, nil)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ticket, err := p.Submit(context.Background(), "job", []byte("G28"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !errors.Is(waitTicket(t, ticket), ErrQueueClosed) {
		t.Error("queued payload not abandoned on Disconnect")
	}
	if link.CloseCount() != 1 {
		t.Errorf("link closed %d times, want 1", link.CloseCount())
	}
}

func TestEmit_DropsWhenFull(t *testing.T) {
	events := make(chan Event, 1)
	p, _ := newTestPrinter(t, events)
	// connecting fills the channel, connected is dropped.
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if p.EventsDropped() != 1 {
		t.Errorf("EventsDropped() = %d, want 1", p.EventsDropped())
	}
}
