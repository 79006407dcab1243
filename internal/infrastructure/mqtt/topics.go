package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the service uses.
const TopicPrefix = "printlink"

// Topics builds the service's topic names:
//
//	printlink/system/status                 service online/offline (retained, LWT)
//	printlink/state/printer/{id}            printer status (retained)
//	printlink/ack/printer/{id}              job command acknowledgements
//	printlink/command/printer/{id}          job commands for one printer
type Topics struct{}

// Status returns the service status topic.
func (Topics) Status() string { return TopicPrefix + "/system/status" }

// PrinterState returns the retained state topic of one printer.
func (Topics) PrinterState(printerID string) string {
	return fmt.Sprintf("%s/state/printer/%s", TopicPrefix, printerID)
}

// PrinterAck returns the acknowledgement topic of one printer.
func (Topics) PrinterAck(printerID string) string {
	return fmt.Sprintf("%s/ack/printer/%s", TopicPrefix, printerID)
}

// PrinterCommand returns the command topic of one printer.
func (Topics) PrinterCommand(printerID string) string {
	return fmt.Sprintf("%s/command/printer/%s", TopicPrefix, printerID)
}

// AllPrinterCommands matches the command topic of every printer.
func (Topics) AllPrinterCommands() string { return TopicPrefix + "/command/printer/+" }

// PrinterIDFromTopic returns the last level of a printer topic, or "" if
// topic is not a printer topic.
func PrinterIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] != "printer" || parts[3] == "" {
		return ""
	}
	return parts[3]
}
