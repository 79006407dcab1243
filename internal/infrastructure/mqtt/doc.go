// Package mqtt connects the service to an MQTT broker.
//
// It provides:
//   - Connection with auto-reconnect and subscription restore
//   - Retained online/offline status with a last will for crashes
//   - Publish/subscribe with QoS and payload validation
//   - Topic builders for the printlink/ hierarchy
//
// The event bridge publishes printer state and job acknowledgements here
// and receives job commands:
//
//	printlinkd ── state/ack ──► broker ◄── command ── producers
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllPrinterCommands(), 1, handleCommand)
package mqtt
