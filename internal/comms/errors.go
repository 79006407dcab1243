package comms

import (
	"errors"
	"fmt"
)

// Domain errors for the comms package.
var (
	// ErrPrinterNotFound is returned when no printer with the given ID is
	// registered.
	ErrPrinterNotFound = errors.New("comms: printer not found")

	// ErrShutdown is returned by operations attempted after Shutdown.
	ErrShutdown = errors.New("comms: manager shut down")

	// ErrNoCandidates wraps a discoverer failure that produced no
	// candidates at all.
	ErrNoCandidates = errors.New("comms: discovery found no candidates")
)

// DiscoveryError reports one candidate that could not be attached. It is
// logged and the candidate skipped; discovery of the others continues.
type DiscoveryError struct {
	CandidateID string
	Err         error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("comms: attaching %s: %v", e.CandidateID, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
