package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSimLink_SendRecordsPayloads(t *testing.T) {
	link := NewSimLink("sim-1")
	if err := link.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for _, p := range []string{"A", "B", "C"} {
		if err := link.Send(context.Background(), []byte(p)); err != nil {
			t.Fatalf("Send(%s) error = %v", p, err)
		}
	}

	sent := link.Sent()
	if len(sent) != 3 || string(sent[0]) != "A" || string(sent[2]) != "C" {
		t.Errorf("Sent() = %q, want [A B C]", sent)
	}
	if link.MaxInFlight() != 1 {
		t.Errorf("MaxInFlight() = %d, want 1", link.MaxInFlight())
	}
	if stats := link.Stats(); stats.FramesTx != 3 || stats.BytesTx != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSimLink_SendBeforeOpen(t *testing.T) {
	link := NewSimLink("sim-1")
	if err := link.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send() error = %v, want ErrNotOpen", err)
	}
}

func TestSimLink_OpenError(t *testing.T) {
	link := NewSimLink("sim-1", WithSimOpenError(errors.New("no device")))
	if err := link.Open(context.Background()); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("Open() error = %v, want ErrHandshakeFailed", err)
	}
}

func TestSimLink_FailureHook(t *testing.T) {
	link := NewSimLink("sim-1", WithSimFailure(func(n int, data []byte) error {
		if string(data) == "B" {
			return ErrRejected
		}
		return nil
	}))
	if err := link.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := link.Send(context.Background(), []byte("A")); err != nil {
		t.Fatalf("Send(A) error = %v", err)
	}
	if err := link.Send(context.Background(), []byte("B")); !errors.Is(err, ErrRejected) {
		t.Fatalf("Send(B) error = %v, want ErrRejected", err)
	}
	if len(link.Sent()) != 1 {
		t.Errorf("Sent() has %d payloads, want 1", len(link.Sent()))
	}
}

func TestSimLink_DelayRespectsContext(t *testing.T) {
	link := NewSimLink("sim-1", WithSimDelay(time.Hour))
	if err := link.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := link.Send(ctx, []byte("A")); !IsTransient(err) {
		t.Errorf("Send() error = %v, want transient", err)
	}
}

func TestSimLink_CloseReleasesGate(t *testing.T) {
	gate := make(chan struct{})
	link := NewSimLink("sim-1", WithSimGate(gate))
	if err := link.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- link.Send(context.Background(), []byte("A")) }()

	time.Sleep(20 * time.Millisecond)
	link.Close()
	link.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrLinkSevered) {
			t.Errorf("Send() error = %v, want ErrLinkSevered", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send() still blocked after Close()")
	}
	if link.CloseCount() != 2 {
		t.Errorf("CloseCount() = %d, want 2", link.CloseCount())
	}
	select {
	case <-link.Closed():
	default:
		t.Error("Closed() channel not closed")
	}
}

func TestSimLink_StartedNotification(t *testing.T) {
	started := make(chan []byte, 1)
	link := NewSimLink("sim-1", WithSimStarted(started))
	if err := link.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := link.Send(context.Background(), []byte("A")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := <-started; string(got) != "A" {
		t.Errorf("started payload = %q, want A", got)
	}
}
