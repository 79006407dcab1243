//go:build integration

package mqtt

import (
	"testing"
	"time"
)

// These tests need a broker at 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "printlink-int-roundtrip"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	received := make(chan string, 1)
	err = client.Subscribe(Topics{}.AllPrinterCommands(), 1, func(topic string, payload []byte) error {
		received <- PrinterIDFromTopic(topic) + ":" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	if err := client.Publish(Topics{}.PrinterCommand("sim-int"), []byte("G28"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "sim-int:G28" {
			t.Errorf("received %q, want sim-int:G28", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(Topics{}.AllPrinterCommands()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestIntegration_RetainedState(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "printlink-int-retained"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	topic := Topics{}.PrinterState("sim-retained")
	if err := client.PublishRetained(topic, []byte(`{"state":"connected"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	got := make(chan []byte, 1)
	if err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		got <- payload
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != `{"state":"connected"}` {
			t.Errorf("retained payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained message not delivered")
	}

	// Clear the retained message.
	_ = client.Publish(topic, nil, 1, true)
}
