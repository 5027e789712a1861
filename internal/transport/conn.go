// Package transport is the client side of SSH-2: the binary packet
// transport with key exchange (RFC 4253), user authentication (RFC 4252)
// and multiplexed channels (RFC 4254).
//
// A Conn runs one processing goroutine that owns every piece of protocol
// state: the receive buffer, packet ciphers, sequence numbers, the key
// exchange in progress and the channel table. A second goroutine only
// moves bytes off the socket. Caller operations are handed to the
// processing goroutine as commands and answered through reply channels,
// so no protocol state is shared between goroutines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acolita/sshcore/internal/cipher"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/wire"
)

const (
	readChunkSize = 32 * 1024

	// keepAliveMaxMissed unanswered keepalives fail the connection.
	keepAliveMaxMissed = 3

	// disconnectWriteTimeout bounds the best-effort DISCONNECT write.
	disconnectWriteTimeout = time.Second
)

var errConnectTimeout = errors.New("connection timed out")

// Conn is a client connection. Its methods are safe for concurrent use.
type Conn struct {
	cfg  ClientConfig
	log  *slog.Logger
	cmds chan func()

	// Snapshot fields read by accessors, written by the processing
	// goroutine under mu.
	mu            sync.Mutex
	status        Status
	running       bool
	done          chan struct{}
	algorithms    kex.Algorithms
	sessionID     []byte
	serverVersion string
	hostKeyType   string
	hostKey       []byte

	sendSeq atomic.Uint32
	recvSeq atomic.Uint32

	// Everything below is owned by the processing goroutine.
	netConn       net.Conn
	loopDone      chan struct{}
	closing       bool
	rbuf          []byte
	versionDone   bool
	bannerLines   int
	reader        cipher.PacketCipher
	writer        cipher.PacketCipher
	sid           kex.SessionID
	kexRun        *kexRun
	queued        [][]byte
	pauseInput    bool
	bytesSinceKex int64
	connectWait   chan<- error
	auth          *authAttempt
	channels      *arena
	shell         ChannelID
	shellOpening  chan struct{}
	keepalive     ports.Ticker
	keepaliveMiss int
}

// New validates cfg and returns an unconnected Conn.
func New(cfg ClientConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Conn{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("host", cfg.Host), slog.Int("port", cfg.Port)),
		cmds:   make(chan func()),
		status: Status{State: StateDisconnected},
	}, nil
}

// Connect dials the server, exchanges versions, runs the first key exchange
// and requests the ssh-userauth service. It returns once the connection is
// in StateAuthentication. Timeout in the config bounds the whole sequence.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errs.New(errs.KindConnectionFailed, "connect", "already connected")
	}
	c.running = true
	c.status = Status{State: StateConnecting}
	c.algorithms = kex.Algorithms{}
	c.sessionID = nil
	c.serverVersion = ""
	c.hostKeyType, c.hostKey = "", nil
	c.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeout := c.cfg.Clock.After(c.cfg.Timeout)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-timeout:
			cancel(errConnectTimeout)
		case <-stop:
		}
	}()

	addr := c.cfg.address()
	c.log.Debug("dialing", slog.String("addr", addr))
	conn, err := c.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		err = errs.Wrap(errs.KindConnectionFailed, "connect", fmt.Errorf("ssh dial %s: %w", addr, err))
		c.mu.Lock()
		c.running = false
		c.status = Status{State: StateError, Reason: err.Error()}
		c.mu.Unlock()
		return err
	}

	wait := make(chan error, 1)
	done := make(chan struct{})
	c.reset(conn, done)
	c.connectWait = wait
	c.mu.Lock()
	c.done = done
	c.status = Status{State: StateVersionExchange}
	c.mu.Unlock()

	go c.run(conn, done)

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		err := errs.Wrap(errs.KindConnectionFailed, "connect", context.Cause(ctx))
		if !c.post(done, func() { c.fail(err) }) {
			return err
		}
		<-done
		return err
	}
}

// reset prepares per-connection state. The previous processing goroutine,
// if any, has exited.
func (c *Conn) reset(conn net.Conn, done chan struct{}) {
	c.netConn = conn
	c.loopDone = done
	c.closing = false
	c.rbuf = nil
	c.versionDone = false
	c.bannerLines = 0
	c.reader = cipher.None()
	c.writer = cipher.None()
	c.sid = kex.SessionID{}
	c.kexRun = nil
	c.queued = nil
	c.pauseInput = false
	c.bytesSinceKex = 0
	c.auth = nil
	c.channels = newArena(c.cfg.MaxChannels)
	c.shell = ChannelID{}
	c.shellOpening = nil
	c.keepalive = nil
	c.keepaliveMiss = 0
	c.sendSeq.Store(0)
	c.recvSeq.Store(0)
}

// Disconnect sends DISCONNECT, closes the socket and wipes key material.
// It is a no-op on a connection that is not running.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.status = Status{State: StateDisconnected}
		c.mu.Unlock()
		return nil
	}
	c.status = Status{State: StateDisconnecting}
	done := c.done
	c.mu.Unlock()

	c.post(done, func() {
		c.sendDisconnect(wire.DisconnectByApplication, "disconnected by user")
		c.teardown(StateDisconnected, "", errs.New(errs.KindConnectionFailed, "disconnect", "connection closed by client"))
	})
	<-done
	return nil
}

// Done returns a channel closed when the current connection ends. It is
// already closed when the Conn is not running.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Status returns the current state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Algorithms returns the algorithms negotiated by the most recent key
// exchange.
func (c *Conn) Algorithms() kex.Algorithms {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.algorithms
}

// SessionID returns a copy of the session identifier, or nil before the
// first key exchange completes.
func (c *Conn) SessionID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.sessionID...)
}

// ServerVersion returns the server's identification string.
func (c *Conn) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// HostKey returns the accepted server host key type and wire blob.
func (c *Conn) HostKey() (string, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostKeyType, append([]byte(nil), c.hostKey...)
}

// SendSequence is the number of packets sent on this connection.
func (c *Conn) SendSequence() uint32 { return c.sendSeq.Load() }

// ReceiveSequence is the number of packets received on this connection.
func (c *Conn) ReceiveSequence() uint32 { return c.recvSeq.Load() }

func (c *Conn) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.status.State != StateDisconnecting {
		c.status = Status{State: s}
	}
	c.mu.Unlock()
	c.log.Debug("state changed", slog.String("state", s.String()))
}

// post hands fn to the processing goroutine. It reports false if that
// goroutine has exited.
func (c *Conn) post(done <-chan struct{}, fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-done:
		return false
	}
}

// call runs fn on the processing goroutine and waits for the error fn, or
// a later event, delivers on reply.
func (c *Conn) call(ctx context.Context, op string, fn func(reply chan<- error)) error {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()
	if !running {
		return errs.New(errs.KindConnectionFailed, op, "not connected")
	}

	reply := make(chan error, 1)
	select {
	case c.cmds <- func() { fn(reply) }:
	case <-done:
		return c.closedError(op)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-done:
		select {
		case err := <-reply:
			return err
		default:
			return c.closedError(op)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closedError(op string) error {
	st := c.Status()
	if st.State == StateError {
		return errs.Newf(errs.KindConnectionFailed, op, "connection closed: %s", st.Reason)
	}
	return errs.New(errs.KindConnectionFailed, op, "connection closed")
}

// run is the processing goroutine.
func (c *Conn) run(conn net.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	in := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go readLoop(conn, in, readErr, done)

	if _, err := conn.Write([]byte(c.cfg.ClientVersion + "\r\n")); err != nil {
		c.fail(errs.Wrap(errs.KindNetwork, "version exchange", err))
		return
	}

	for !c.closing {
		var tick <-chan time.Time
		if c.keepalive != nil {
			tick = c.keepalive.C()
		}

		select {
		case chunk := <-in:
			c.receive(chunk)
		case err := <-readErr:
			c.drain(in)
			if !c.closing {
				if errors.Is(err, io.EOF) {
					err = errors.New("connection closed by peer")
				}
				c.fail(errs.Wrap(errs.KindNetwork, "read", err))
			}
		case fn := <-c.cmds:
			fn()
		case <-tick:
			c.sendKeepAlive()
		}
	}
}

// readLoop moves raw bytes from the socket to the processing goroutine.
func readLoop(conn net.Conn, in chan<- []byte, errc chan<- error, done <-chan struct{}) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case in <- buf[:n]:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case errc <- err:
			case <-done:
			}
			return
		}
	}
}

func (c *Conn) drain(in <-chan []byte) {
	for {
		select {
		case chunk := <-in:
			c.receive(chunk)
		default:
			return
		}
	}
}

func (c *Conn) receive(chunk []byte) {
	if c.closing {
		return
	}
	c.rbuf = append(c.rbuf, chunk...)
	c.processInput()
}

// processInput decodes and dispatches every complete packet in rbuf.
func (c *Conn) processInput() {
	for !c.closing && !c.pauseInput {
		if !c.versionDone {
			if !c.readVersion() {
				return
			}
			continue
		}

		payload, n, err := c.reader.Open(c.recvSeq.Load(), c.rbuf)
		if errors.Is(err, wire.ErrIncomplete) {
			return
		}
		if err != nil {
			code := wire.DisconnectProtocolError
			if errs.Is(err, errs.KindCrypto) {
				code = wire.DisconnectMACError
			}
			c.abort(code, fmt.Errorf("read packet: %w", err))
			return
		}
		c.rbuf = c.rbuf[n:]
		if len(c.rbuf) == 0 {
			c.rbuf = nil
		}
		seq := c.recvSeq.Add(1) - 1
		c.bytesSinceKex += int64(n)
		c.dispatch(seq, payload)
		c.maybeRekey()
	}
}

// send seals and writes payload. Non-transport messages are queued while a
// key exchange is in progress and flushed once NEWKEYS is sent.
func (c *Conn) send(payload []byte) error {
	if c.closing {
		return c.closedError("send")
	}
	if run := c.kexRun; run != nil && !run.sentNewKeys && !allowedDuringKex(payload[0]) {
		c.queued = append(c.queued, payload)
		return nil
	}

	pkt, err := c.writer.Seal(c.sendSeq.Load(), payload, c.cfg.Random)
	if err != nil {
		c.fail(err)
		return err
	}
	if _, err := c.netConn.Write(pkt); err != nil {
		err = errs.Wrap(errs.KindNetwork, "write packet", err)
		c.fail(err)
		return err
	}
	c.sendSeq.Add(1)
	c.bytesSinceKex += int64(len(pkt))
	c.maybeRekey()
	return nil
}

func allowedDuringKex(msg byte) bool {
	return (msg >= wire.MsgDisconnect && msg <= wire.MsgDebug) || (msg >= wire.MsgKexInit && msg <= 49)
}

// sendDisconnect writes DISCONNECT, best effort.
func (c *Conn) sendDisconnect(code uint32, description string) {
	if c.closing {
		return
	}
	payload := wire.NewBuilder(wire.MsgDisconnect).
		Uint32(code).
		String(description).
		String("").
		Payload()
	pkt, err := c.writer.Seal(c.sendSeq.Load(), payload, c.cfg.Random)
	if err != nil {
		return
	}
	// Socket deadlines are wall-clock.
	_ = c.netConn.SetWriteDeadline(time.Now().Add(disconnectWriteTimeout))
	if _, err := c.netConn.Write(pkt); err == nil {
		c.sendSeq.Add(1)
	}
}

// abort sends DISCONNECT with code and fails the connection with err.
func (c *Conn) abort(code uint32, err error) {
	c.sendDisconnect(code, err.Error())
	c.fail(err)
}

// fail moves the connection to StateError with err's text as the reason.
func (c *Conn) fail(err error) {
	if c.closing {
		return
	}
	c.log.Error("connection failed", slog.String("error", err.Error()))
	c.teardown(StateError, err.Error(), err)
}

// teardown closes the socket, wipes key material and fails every waiter
// with err. The processing goroutine exits afterwards.
func (c *Conn) teardown(state State, reason string, err error) {
	if c.closing {
		return
	}
	c.closing = true

	c.mu.Lock()
	c.status = Status{State: state, Reason: reason}
	c.mu.Unlock()

	_ = c.netConn.Close()
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	if c.kexRun != nil {
		c.kexRun.finish(err)
		c.kexRun = nil
	}
	c.reader, c.writer = cipher.None(), cipher.None()
	c.queued = nil
	c.rbuf = nil

	if c.connectWait != nil {
		c.connectWait <- err
		c.connectWait = nil
	}
	if c.auth != nil {
		c.auth.reply <- err
		c.auth = nil
	}
	c.channels.closeAll(err)
	c.shell = ChannelID{}
	c.shellOpening = nil

	c.log.Info("connection closed", slog.String("state", state.String()), slog.String("reason", reason))
}

func (c *Conn) protocolError(format string, args ...any) {
	c.abort(wire.DisconnectProtocolError, errs.Newf(errs.KindProtocol, "dispatch", format, args...))
}

// dispatch routes one decrypted payload by message number and state.
func (c *Conn) dispatch(seq uint32, payload []byte) {
	if len(payload) == 0 {
		c.protocolError("empty packet payload")
		return
	}
	msg := payload[0]
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.Debug("received packet", slog.String("msg", wire.MessageName(msg)), slog.Uint64("seq", uint64(seq)), slog.Int("len", len(payload)))
	}

	switch {
	case msg == wire.MsgDisconnect:
		c.handleDisconnect(payload)
		return
	case msg == wire.MsgIgnore || msg == wire.MsgDebug:
		return
	case msg == wire.MsgUnimplemented:
		p := wire.NewParser(payload[1:])
		c.log.Warn("server reported unimplemented packet", slog.Uint64("seq", uint64(p.Uint32())))
		return
	case msg == wire.MsgKexInit:
		c.handleKexInit(payload)
		return
	case msg == wire.MsgNewKeys:
		c.handleNewKeys()
		return
	case msg >= wire.MsgKexDHInit && msg <= 49:
		c.handleKexMessage(payload)
		return
	}

	switch st := c.state(); st {
	case StateKeyExchange:
		if msg == wire.MsgServiceAccept {
			c.handleServiceAccept(payload)
			return
		}
	case StateAuthentication:
		switch {
		case msg >= wire.MsgUserAuthRequest && msg <= 79:
			c.handleAuthMessage(payload)
			return
		case msg >= wire.MsgGlobalRequest && msg <= wire.MsgRequestFailure:
			c.handleGlobal(payload)
			return
		}
	case StateConnected, StateDisconnecting:
		switch {
		case msg == wire.MsgUserAuthBanner:
			return
		case msg >= wire.MsgGlobalRequest && msg <= wire.MsgRequestFailure:
			c.handleGlobal(payload)
			return
		case msg >= wire.MsgChannelOpen && msg <= 127:
			c.handleChannelMessage(payload)
			return
		}
	}

	if wire.MessageName(msg) != "UNKNOWN" {
		c.protocolError("unexpected %s in state %s", wire.MessageName(msg), c.state())
		return
	}
	c.log.Debug("unimplemented message", slog.Int("msg", int(msg)))
	_ = c.send(wire.NewBuilder(wire.MsgUnimplemented).Uint32(seq).Payload())
}

func (c *Conn) handleDisconnect(payload []byte) {
	p := wire.NewParser(payload[1:])
	code := p.Uint32()
	description := p.String()
	err := errs.Newf(errs.KindConnectionFailed, "disconnect", "disconnected by server: %s (code %d)", description, code)
	if code == wire.DisconnectByApplication {
		c.teardown(StateDisconnected, "", err)
		return
	}
	c.fail(err)
}

func (c *Conn) handleServiceAccept(payload []byte) {
	p, _ := wire.NewMessageParser(payload, wire.MsgServiceAccept)
	name := p.String()
	if err := p.Err(); err != nil || name != "ssh-userauth" {
		c.protocolError("unexpected SERVICE_ACCEPT for %q", name)
		return
	}
	c.setState(StateAuthentication)
	c.log.Info("connected", slog.String("server_version", c.ServerVersion()))
	if c.connectWait != nil {
		c.connectWait <- nil
		c.connectWait = nil
	}
}

func (c *Conn) handleGlobal(payload []byte) {
	switch payload[0] {
	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		c.keepaliveMiss = 0
	case wire.MsgGlobalRequest:
		p := wire.NewParser(payload[1:])
		name := p.String()
		wantReply := p.Bool()
		if p.Err() != nil {
			c.protocolError("malformed GLOBAL_REQUEST")
			return
		}
		c.log.Debug("declining global request", slog.String("request", name))
		if wantReply {
			_ = c.send([]byte{wire.MsgRequestFailure})
		}
	}
}

// startKeepAlive runs once authentication succeeds.
func (c *Conn) startKeepAlive() {
	if c.cfg.KeepAliveInterval <= 0 || c.keepalive != nil {
		return
	}
	c.keepalive = c.cfg.Clock.NewTicker(c.cfg.KeepAliveInterval)
}

func (c *Conn) sendKeepAlive() {
	if c.keepaliveMiss >= keepAliveMaxMissed {
		c.fail(errs.Newf(errs.KindNetwork, "keepalive", "no answer to %d keepalives", c.keepaliveMiss))
		return
	}
	c.keepaliveMiss++
	_ = c.send(wire.NewBuilder(wire.MsgGlobalRequest).
		String("keepalive@openssh.com").
		Bool(true).
		Payload())
}
