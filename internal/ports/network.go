package ports

import (
	"context"
	"net"
)

// NetworkDialer abstracts TCP connection setup for testing.
type NetworkDialer interface {
	// DialContext establishes a network connection. The context bounds the
	// connection attempt only.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
