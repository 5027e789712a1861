package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/sshcore/internal/adapters/realcrypto"
	"github.com/acolita/sshcore/internal/adapters/realrand"
	"github.com/acolita/sshcore/internal/cipher"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/testing/fakes/fakenet"
	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/ssh"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acceptAll() HostKeyVerifier {
	return HostKeyVerifierFunc(func(string, int, string, []byte) (bool, error) { return true, nil })
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, errc <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// async runs fn on its own goroutine. Calls that send must not run on the
// test goroutine: it plays the server, and the pipe does not buffer.
func async(fn func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	return errc
}

// inspect runs fn on the processing goroutine.
func inspect(t *testing.T, c *Conn, fn func()) {
	t.Helper()
	err := c.call(context.Background(), "inspect", func(reply chan<- error) {
		fn()
		reply <- nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

// scriptServer plays the server side of a connection packet by packet.
type scriptServer struct {
	t      *testing.T
	conn   net.Conn
	r      *bufio.Reader
	buf    []byte
	signer ssh.Signer
	prefs  kex.Preferences

	in     cipher.PacketCipher
	out    cipher.PacketCipher
	inSeq  uint32
	outSeq uint32

	clientVersion string
	serverVersion string
	sessionID     []byte
}

func newScriptServer(t *testing.T, conn net.Conn) *scriptServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(testTimeout))
	return &scriptServer{
		t:      t,
		conn:   conn,
		r:      bufio.NewReader(conn),
		signer: signer,
		prefs: kex.Preferences{
			KEX:         []string{"curve25519-sha256"},
			HostKey:     []string{"ssh-ed25519"},
			Cipher:      []string{"aes128-ctr"},
			MAC:         []string{"hmac-sha2-256"},
			Compression: []string{"none"},
		},
		in:  cipher.None(),
		out: cipher.None(),
	}
}

func (s *scriptServer) readLine() string {
	s.t.Helper()
	line, err := s.r.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read line: %v", err)
	}
	return line
}

func (s *scriptServer) writeRaw(b []byte) {
	s.t.Helper()
	if _, err := s.conn.Write(b); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

func (s *scriptServer) read() []byte {
	s.t.Helper()
	for {
		payload, n, err := s.in.Open(s.inSeq, s.buf)
		if err == nil {
			s.buf = s.buf[n:]
			s.inSeq++
			return payload
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			s.t.Fatalf("open packet: %v", err)
		}
		chunk := make([]byte, 4096)
		m, err := s.r.Read(chunk)
		if err != nil {
			s.t.Fatalf("read packet: %v", err)
		}
		s.buf = append(s.buf, chunk[:m]...)
	}
}

// expect reads packets, skipping IGNORE, until one arrives and checks its
// message number.
func (s *scriptServer) expect(msg byte) []byte {
	s.t.Helper()
	for {
		p := s.read()
		if p[0] == wire.MsgIgnore {
			continue
		}
		if p[0] != msg {
			s.t.Fatalf("got %s, want %s", wire.MessageName(p[0]), wire.MessageName(msg))
		}
		return p
	}
}

func (s *scriptServer) write(payload []byte) {
	s.t.Helper()
	pkt, err := s.out.Seal(s.outSeq, payload, realrand.New())
	if err != nil {
		s.t.Fatalf("seal: %v", err)
	}
	s.writeRaw(pkt)
	s.outSeq++
}

// drain discards client output in the background so best-effort writes
// never block on the pipe.
func (s *scriptServer) drain() {
	go io.Copy(io.Discard, s.r)
}

func (s *scriptServer) exchangeVersions(serverVersion string) {
	s.t.Helper()
	s.clientVersion = strings.TrimRight(s.readLine(), "\r\n")
	s.serverVersion = serverVersion
	s.writeRaw([]byte(serverVersion + "\r\n"))
}

func (s *scriptServer) algorithms() kex.Algorithms {
	dir := kex.DirectionAlgorithms{Cipher: s.prefs.Cipher[0], MAC: s.prefs.MAC[0], Compression: "none"}
	return kex.Algorithms{KEX: s.prefs.KEX[0], HostKey: s.prefs.HostKey[0], ClientToServer: dir, ServerToClient: dir}
}

// replyKex answers the client's KEXINIT and KEXDH_INIT, sends NEWKEYS and
// switches the outgoing direction. It returns the cipher for the client's
// direction, to be used once the client's NEWKEYS arrives.
func (s *scriptServer) replyKex() cipher.PacketCipher {
	s.t.Helper()
	clientInit := s.expect(wire.MsgKexInit)
	serverInit := kex.BuildKexInit([16]byte{1, 2, 3}, s.prefs)
	s.write(serverInit)
	return s.replyKexDH(clientInit, serverInit)
}

func (s *scriptServer) replyKexDH(clientInit, serverInit []byte) cipher.PacketCipher {
	s.t.Helper()
	dh := s.expect(wire.MsgKexDHInit)
	p := wire.NewParser(dh[1:])
	clientPublic := p.Bytes()
	if err := p.Err(); err != nil {
		s.t.Fatalf("parse KEXDH_INIT: %v", err)
	}

	crypto := realcrypto.New()
	agreement, err := crypto.KeyExchange("curve25519-sha256", realrand.New())
	if err != nil {
		s.t.Fatal(err)
	}
	secret, err := agreement.SharedSecret(clientPublic)
	if err != nil {
		s.t.Fatal(err)
	}
	hostKey := s.signer.PublicKey().Marshal()
	h := kex.ExchangeHash(sha256.New, kex.HashInput{
		ClientVersion: s.clientVersion,
		ServerVersion: s.serverVersion,
		ClientKexInit: clientInit,
		ServerKexInit: serverInit,
		HostKey:       hostKey,
		ClientPublic:  clientPublic,
		ServerPublic:  agreement.PublicKey(),
		SharedSecret:  secret,
	})
	sig, err := s.signer.Sign(rand.Reader, h)
	if err != nil {
		s.t.Fatal(err)
	}
	s.write(wire.NewBuilder(wire.MsgKexDHReply).
		Bytes(hostKey).
		Bytes(agreement.PublicKey()).
		Bytes(kex.MarshalSignature(sig)).
		Payload())
	s.write([]byte{wire.MsgNewKeys})

	if s.sessionID == nil {
		s.sessionID = h
	}
	keys, err := kex.DeriveKeys(sha256.New, secret, h, s.sessionID, s.algorithms())
	if err != nil {
		s.t.Fatal(err)
	}
	a := s.algorithms()
	out, err := cipher.New(crypto, cipher.Params{
		Cipher: a.ServerToClient.Cipher, MAC: a.ServerToClient.MAC,
		Key: keys.KeyServerToClient, IV: keys.IVServerToClient, MACKey: keys.MACServerToClient,
	})
	if err != nil {
		s.t.Fatal(err)
	}
	in, err := cipher.New(crypto, cipher.Params{
		Cipher: a.ClientToServer.Cipher, MAC: a.ClientToServer.MAC,
		Key: keys.KeyClientToServer, IV: keys.IVClientToServer, MACKey: keys.MACClientToServer,
	})
	if err != nil {
		s.t.Fatal(err)
	}
	s.out = out
	return in
}

// finishKex waits for the client's NEWKEYS and switches the incoming
// direction.
func (s *scriptServer) finishKex(in cipher.PacketCipher) {
	s.t.Helper()
	s.expect(wire.MsgNewKeys)
	s.in = in
}

func testConfig(dialer *fakenet.Dialer) ClientConfig {
	return ClientConfig{
		Host:            "example.com",
		User:            "alice",
		ClientVersion:   "SSH-2.0-Foo",
		Dialer:          dialer,
		HostKeyVerifier: acceptAll(),
		Logger:          discardLogger(),
		Algorithms: kex.Preferences{
			KEX:     []string{"curve25519-sha256"},
			HostKey: []string{"ssh-ed25519"},
			Cipher:  []string{"aes128-ctr"},
			MAC:     []string{"hmac-sha2-256"},
		},
	}
}

// startScripted creates a Conn, starts Connect and returns the server end
// once dialed.
func startScripted(t *testing.T, mutate func(*ClientConfig)) (*Conn, *scriptServer, <-chan error) {
	t.Helper()
	dialer, servers := fakenet.NewPipeDialer()
	cfg := testConfig(dialer)
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	select {
	case conn := <-servers:
		t.Cleanup(func() { conn.Close() })
		return c, newScriptServer(t, conn), errc
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for dial")
		return nil, nil, nil
	}
}

// connectScripted runs a full handshake and password authentication
// against a script server.
func connectScripted(t *testing.T, mutate func(*ClientConfig)) (*Conn, *scriptServer) {
	t.Helper()
	c, s, errc := startScripted(t, mutate)
	t.Cleanup(func() {
		s.conn.Close()
		c.Disconnect()
	})

	s.exchangeVersions("SSH-2.0-OpenSSH_9.0")
	s.finishKex(s.replyKex())
	s.expect(wire.MsgServiceRequest)
	s.write(wire.NewBuilder(wire.MsgServiceAccept).String("ssh-userauth").Payload())
	if err := receive(t, errc, "Connect"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	authc := make(chan error, 1)
	go func() { authc <- c.Authenticate(context.Background(), PasswordAuth{Password: "secret"}) }()
	s.expect(wire.MsgUserAuthRequest)
	s.write([]byte{wire.MsgUserAuthSuccess})
	if err := receive(t, authc, "Authenticate"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	return c, s
}

// openScripted opens a session channel and confirms it with the given
// remote parameters.
func openScripted(t *testing.T, c *Conn, s *scriptServer, sink ChannelEventSink, remoteID, window, maxPacket uint32) (ChannelID, uint32) {
	t.Helper()
	type result struct {
		id  ChannelID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.OpenChannel(context.Background(), "session", sink)
		done <- result{id, err}
	}()

	open := s.expect(wire.MsgChannelOpen)
	p := wire.NewParser(open[1:])
	if kind := p.String(); kind != "session" {
		t.Fatalf("channel type = %q", kind)
	}
	local := p.Uint32()

	s.write(wire.NewBuilder(wire.MsgChannelOpenConfirmation).
		Uint32(local).
		Uint32(remoteID).
		Uint32(window).
		Uint32(maxPacket).
		Payload())

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("OpenChannel() error = %v", r.err)
		}
		return r.id, local
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for OpenChannel")
		return ChannelID{}, 0
	}
}

// recordingSink collects channel events.
type recordingSink struct {
	mu     sync.Mutex
	data   bytes.Buffer
	stderr bytes.Buffer
	eof    bool
	closed bool
	exit   *ExitStatus
}

func (r *recordingSink) OnData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Write(data)
}

func (r *recordingSink) OnExtendedData(code uint32, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr.Write(data)
}

func (r *recordingSink) OnEOF() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eof = true
}

func (r *recordingSink) OnClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSink) OnExit(status ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exit = &status
}

func (r *recordingSink) snapshot() (data string, eof, closed bool, exit *ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String(), r.eof, r.closed, r.exit
}
