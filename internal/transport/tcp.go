package transport

import (
	"context"
	"net"
)

// NewTCPLink creates an unopened link to a network printer.
//
// Parameters:
//   - id: Device identifier
//   - address: host:port of the printer
//   - opts: Timeouts and logger
func NewTCPLink(id, address string, opts LinkOptions) *StreamLink {
	dial := func(ctx context.Context) (conn, error) {
		var dialer net.Dialer
		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return newStreamLink(id, KindTCP, address, dial, opts)
}
