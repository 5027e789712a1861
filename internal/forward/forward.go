// Package forward implements local port forwarding (ssh -L) over
// "direct-tcpip" channels.
package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/acolita/sshcore/internal/transport"
)

// Stream is the remote end of one forwarded connection.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// DialFunc asks the server to connect to host:port on behalf of the
// connection from originHost:originPort.
type DialFunc func(ctx context.Context, host string, port int, originHost string, originPort int) (Stream, error)

// Through dials over conn.
func Through(conn *transport.Conn) DialFunc {
	return func(ctx context.Context, host string, port int, originHost string, originPort int) (Stream, error) {
		s, err := conn.OpenDirectTCPIP(ctx, host, port, originHost, originPort)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Stats is a snapshot of a tunnel's counters.
type Stats struct {
	ID            string
	Local         string
	Remote        string
	Active        int64
	Total         int64
	BytesSent     int64
	BytesReceived int64
}

// Tunnel listens locally and forwards each accepted connection to
// RemoteHost:RemotePort.
type Tunnel struct {
	ID         string
	RemoteHost string
	RemotePort int

	active   atomic.Int64
	total    atomic.Int64
	sent     atomic.Int64
	received atomic.Int64

	listener net.Listener
	dial     DialFunc
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	once  sync.Once
}

// Manager owns the tunnels of one connection.
type Manager struct {
	dial DialFunc
	log  *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	nextID  int
}

// NewManager creates a manager whose tunnels dial through dial.
func NewManager(dial DialFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dial:    dial,
		log:     log,
		tunnels: make(map[string]*Tunnel),
	}
}

// Local listens on localAddr and forwards connections to
// remoteHost:remotePort as seen from the server. Port 0 in localAddr picks
// a free port; Addr reports it.
func (m *Manager) Local(localAddr, remoteHost string, remotePort int) (*Tunnel, error) {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", localAddr, err)
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("tunnel_%d", m.nextID)
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		ID:         id,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		listener:   listener,
		dial:       m.dial,
		log:        m.log.With(slog.String("tunnel", id)),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
	m.tunnels[id] = t
	m.mu.Unlock()

	t.wg.Add(1)
	go t.accept()

	t.log.Info("created local tunnel",
		slog.String("local", listener.Addr().String()),
		slog.String("remote", t.remote()),
	)
	return t, nil
}

// Get returns a tunnel by ID.
func (m *Manager) Get(id string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// List returns the open tunnels in creation order.
func (m *Manager) List() []*Tunnel {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()

	sort.Slice(tunnels, func(i, j int) bool {
		return tunnelSeq(tunnels[i].ID) < tunnelSeq(tunnels[j].ID)
	})
	return tunnels
}

func tunnelSeq(id string) int {
	var n int
	fmt.Sscanf(id, "tunnel_%d", &n)
	return n
}

// Close closes one tunnel.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("tunnel not found: %s", id)
	}
	t.Close()
	return nil
}

// CloseAll closes every tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}

// Addr is the local listening address.
func (t *Tunnel) Addr() net.Addr { return t.listener.Addr() }

func (t *Tunnel) remote() string {
	return net.JoinHostPort(t.RemoteHost, fmt.Sprint(t.RemotePort))
}

// Stats returns the tunnel's current counters.
func (t *Tunnel) Stats() Stats {
	return Stats{
		ID:            t.ID,
		Local:         t.Addr().String(),
		Remote:        t.remote(),
		Active:        t.active.Load(),
		Total:         t.total.Load(),
		BytesSent:     t.sent.Load(),
		BytesReceived: t.received.Load(),
	}
}

// Close stops listening, drops open connections and waits for them to
// finish.
func (t *Tunnel) Close() {
	t.once.Do(func() {
		t.cancel()
		t.listener.Close()
		t.mu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()

		t.log.Info("closed tunnel",
			slog.Int64("total_connections", t.total.Load()),
			slog.Int64("bytes_sent", t.sent.Load()),
			slog.Int64("bytes_received", t.received.Load()),
		)
	})
}

func (t *Tunnel) accept() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("accept error on local tunnel", slog.String("error", err.Error()))
			}
			return
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		t.active.Add(1)
		t.total.Add(1)
		t.wg.Add(1)
		go t.handle(conn)
	}
}

// track registers conn so Close can drop it; false once closing.
func (t *Tunnel) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *Tunnel) handle(local net.Conn) {
	defer t.wg.Done()
	defer t.active.Add(-1)
	defer func() {
		t.mu.Lock()
		delete(t.conns, local)
		t.mu.Unlock()
		local.Close()
	}()

	originHost, originPort := splitAddr(local.RemoteAddr())
	remote, err := t.dial(t.ctx, t.RemoteHost, t.RemotePort, originHost, originPort)
	if err != nil {
		t.log.Warn("failed to dial remote",
			slog.String("remote", t.remote()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer remote.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.ctx.Done():
			remote.Close()
		case <-done:
		}
	}()

	t.proxy(local, remote)
}

// proxy copies both ways, passing half-closes through, until both
// directions finish.
func (t *Tunnel) proxy(local net.Conn, remote Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(remote, local)
		t.sent.Add(n)
		remote.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(local, remote)
		t.received.Add(n)
		if cw, ok := local.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			local.Close()
		}
	}()

	wg.Wait()
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	return "127.0.0.1", 0
}
