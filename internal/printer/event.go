package printer

import "time"

// EventType identifies what an Event reports.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventPayloadQueued     EventType = "payload_queued"
	EventTransferStarted   EventType = "transfer_started"
	EventTransferCompleted EventType = "transfer_completed"
	EventTransferFailed    EventType = "transfer_failed"
	EventPrinterAdded      EventType = "printer_added"
	EventPrinterRemoved    EventType = "printer_removed"
)

// Event reports a change on one printer.
type Event struct {
	Type         EventType     `json:"type"`
	PrinterID    string        `json:"printer_id"`
	State        State         `json:"state"`
	Transferring bool          `json:"transferring"`
	PayloadID    string        `json:"payload_id,omitempty"`
	JobID        string        `json:"job_id,omitempty"`
	Bytes        int           `json:"bytes,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
	Time         time.Time     `json:"time"`
}

// NewEvent builds an event of type t stamped with the printer's current
// state and transfer flag.
func (p *Printer) NewEvent(t EventType) Event {
	return Event{
		Type:         t,
		PrinterID:    p.id,
		State:        p.State(),
		Transferring: p.queue.Transferring(),
		Time:         time.Now(),
	}
}

// emit delivers ev without blocking.
func (p *Printer) emit(ev Event) {
	if p.opts.Events == nil {
		return
	}
	select {
	case p.opts.Events <- ev:
	default:
		if n := p.eventsDropped.Add(1); n == 1 || n%100 == 0 {
			p.logger.Warn("printer event dropped, channel full", "printer_id", p.id, "dropped_total", n)
		}
	}
}

// EventsDropped returns how many events were dropped on a full channel.
func (p *Printer) EventsDropped() uint64 { return p.eventsDropped.Load() }
