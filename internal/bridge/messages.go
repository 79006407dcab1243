package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/printlink-core/internal/printer"
)

// JobCommand is received on printlink/command/printer/{id}.
//
//	{"id": "cmd-42", "job_id": "benchy", "data": "RzI4Ckcx..."}
//
// Data is the base64 encoded payload.
type JobCommand struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Data  string `json:"data"`
}

// decodeCommand parses and validates a job command.
func decodeCommand(payload []byte) (JobCommand, []byte, error) {
	var cmd JobCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.ID == "" {
		return cmd, nil, fmt.Errorf("%w: id is required", ErrInvalidCommand)
	}
	data, err := base64.StdEncoding.DecodeString(cmd.Data)
	if err != nil {
		return cmd, nil, fmt.Errorf("%w: data: %w", ErrInvalidCommand, err)
	}
	if len(data) == 0 {
		return cmd, nil, fmt.Errorf("%w: data is empty", ErrInvalidCommand)
	}
	return cmd, data, nil
}

// AckStatus is the outcome reported for a job command.
type AckStatus string

const (
	// AckQueued means the payload was accepted by the printer's send queue.
	AckQueued AckStatus = "queued"

	// AckCompleted means the payload reached the printer.
	AckCompleted AckStatus = "completed"

	// AckFailed means the command was rejected or the transfer failed.
	AckFailed AckStatus = "failed"
)

// AckMessage is published on printlink/ack/printer/{id}. A command gets a
// queued ack followed by completed or failed, or a single failed ack if it
// was rejected.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	PrinterID string    `json:"printer_id"`
	JobID     string    `json:"job_id,omitempty"`
	PayloadID string    `json:"payload_id,omitempty"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMessage is the retained message on printlink/state/printer/{id}.
type StateMessage struct {
	PrinterID    string        `json:"printer_id"`
	Kind         string        `json:"kind,omitempty"`
	Address      string        `json:"address,omitempty"`
	State        printer.State `json:"state"`
	Transferring bool          `json:"transferring"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
