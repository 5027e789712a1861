package transport

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/acolita/sshcore/internal/wire"
)

// extendedDataStderr is SSH_EXTENDED_DATA_STDERR (RFC 4254 §5.2).
const extendedDataStderr = 1

// ChannelStream presents a channel as an io.ReadWriteCloser. Received data
// waits in a buffer until Read takes it, and only what Read has taken is
// granted back to the server, so the buffer never holds more than one
// channel window.
type ChannelStream struct {
	conn   *Conn
	id     ChannelID
	stderr io.Writer

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	eof    bool
	closed bool
	exit   *ExitStatus
}

// OpenStream opens a channel whose events feed a ChannelStream. Extended
// data of type stderr is written to stderr, or dropped when it is nil.
func (c *Conn) OpenStream(ctx context.Context, channelType string, stderr io.Writer) (*ChannelStream, error) {
	return c.openStream(ctx, channelType, nil, stderr)
}

// OpenDirectTCPIP opens a "direct-tcpip" channel asking the server to
// connect to host:port (RFC 4254 §7.2). The originator address is
// informational.
func (c *Conn) OpenDirectTCPIP(ctx context.Context, host string, port int, originHost string, originPort int) (*ChannelStream, error) {
	extra := wire.NewBuilder(0).
		String(host).
		Uint32(uint32(port)).
		String(originHost).
		Uint32(uint32(originPort)).
		Payload()
	// NewBuilder writes the message number first; drop it.
	return c.openStream(ctx, "direct-tcpip", extra[1:], nil)
}

func (c *Conn) openStream(ctx context.Context, channelType string, extra []byte, stderr io.Writer) (*ChannelStream, error) {
	s := &ChannelStream{conn: c, stderr: stderr}
	s.cond = sync.NewCond(&s.mu)
	id, err := c.openChannel(ctx, channelType, extra, (*streamSink)(s))
	if err != nil {
		return nil, err
	}
	s.id = id
	return s, nil
}

// ID returns the underlying channel.
func (s *ChannelStream) ID() ChannelID { return s.id }

// Read blocks until data, EOF or close.
func (s *ChannelStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for s.buf.Len() == 0 && !s.eof && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return 0, io.EOF
	}
	n, _ := s.buf.Read(p)
	s.mu.Unlock()

	// Outside the lock: the processing goroutine takes mu in OnData.
	s.conn.consumed(s.id, n)
	return n, nil
}

// Write sends p as channel data.
func (s *ChannelStream) Write(p []byte) (int, error) {
	if err := s.conn.SendChannelData(context.Background(), s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends EOF; reading continues until the server closes.
func (s *ChannelStream) CloseWrite() error {
	return s.conn.SendEOF(context.Background(), s.id)
}

// Close closes the channel.
func (s *ChannelStream) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return s.conn.CloseChannel(context.Background(), s.id)
}

// Wait blocks until the channel is closed and returns the exit status, if
// the server sent one.
func (s *ChannelStream) Wait() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed {
		s.cond.Wait()
	}
	if s.exit == nil {
		return ExitStatus{}, false
	}
	return *s.exit, true
}

// streamSink is the ChannelEventSink side of a ChannelStream.
type streamSink ChannelStream

func (s *streamSink) buffersData() {}

func (s *streamSink) OnData(data []byte) {
	s.mu.Lock()
	s.buf.Write(data)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *streamSink) OnExtendedData(code uint32, data []byte) {
	if code == extendedDataStderr && s.stderr != nil {
		_, _ = s.stderr.Write(data)
	}
}

func (s *streamSink) OnEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *streamSink) OnClose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *streamSink) OnExit(status ExitStatus) {
	s.mu.Lock()
	s.exit = &status
	s.mu.Unlock()
}
