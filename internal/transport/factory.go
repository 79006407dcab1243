package transport

import (
	"fmt"
	"time"
)

// Factory creates an unopened Link for a discovered candidate.
type Factory interface {
	NewLink(c Candidate) (Link, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(c Candidate) (Link, error)

// NewLink calls f.
func (f FactoryFunc) NewLink(c Candidate) (Link, error) { return f(c) }

// FactoryOptions configures the default link factory.
type FactoryOptions struct {
	Link LinkOptions

	// SimDelay is the per-payload acknowledgement delay of each simulated
	// printer, keyed by printer ID.
	SimDelay map[string]time.Duration
}

type defaultFactory struct {
	opts FactoryOptions
}

// NewFactory returns a Factory selecting the link implementation by
// candidate kind.
func NewFactory(opts FactoryOptions) Factory {
	return &defaultFactory{opts: opts}
}

func (f *defaultFactory) NewLink(c Candidate) (Link, error) {
	switch c.Kind {
	case KindSerial:
		return NewSerialLink(c.ID, c.Address, f.opts.Link), nil
	case KindTCP:
		return NewTCPLink(c.ID, c.Address, f.opts.Link), nil
	case KindSimulated:
		return NewSimLink(c.ID, WithSimDelay(f.opts.SimDelay[c.ID])), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.Kind)
	}
}
