// Package realnet provides the real TCP dialer port.
package realnet

import (
	"context"
	"net"
	"time"

	"github.com/acolita/sshcore/internal/ports"
)

// Dialer implements ports.NetworkDialer with net.Dialer.
type Dialer struct {
	// KeepAlive is the TCP keep-alive period; zero uses the net default.
	KeepAlive time.Duration
}

// NewDialer creates a new Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// DialContext establishes a network connection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

var _ ports.NetworkDialer = (*Dialer)(nil)
