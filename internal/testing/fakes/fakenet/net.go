// Package fakenet provides a fake network dialer for testing.
package fakenet

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/acolita/sshcore/internal/ports"
)

// Dialer is a fake network dialer that can be configured to return errors or specific connections.
type Dialer struct {
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

	mu    sync.Mutex
	calls []DialCall
}

// DialCall records a call to DialContext.
type DialCall struct {
	Network string
	Address string
}

// NewDialer creates a new fake Dialer that returns an error by default.
func NewDialer() *Dialer {
	return &Dialer{
		DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, fmt.Errorf("fakenet: not configured")
		},
	}
}

// NewPipeDialer returns a Dialer whose connections are in-memory pipes.
// The server end of every dialed pipe is delivered on the returned channel.
func NewPipeDialer() (*Dialer, <-chan net.Conn) {
	servers := make(chan net.Conn, 4)
	d := &Dialer{
		DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			client, server := net.Pipe()
			select {
			case servers <- server:
				return client, nil
			case <-ctx.Done():
				client.Close()
				server.Close()
				return nil, ctx.Err()
			}
		},
	}
	return d, servers
}

// DialContext records the call and delegates to DialFunc.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DialCall{Network: network, Address: address})
	fn := d.DialFunc
	d.mu.Unlock()
	return fn(ctx, network, address)
}

// Calls returns all recorded DialContext calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

// SetError configures the dialer to always return the given error.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, err
	}
}

// Ensure Dialer implements ports.NetworkDialer.
var _ ports.NetworkDialer = (*Dialer)(nil)
