// Package mockssh provides an in-process SSH server for interop tests,
// built on golang.org/x/crypto/ssh.
package mockssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is a mock SSH server for testing.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	shell    string
	hostKey  ssh.Signer
	banner   string
	tweak    func(*ssh.ServerConfig)

	mu          sync.RWMutex
	users       map[string]string          // username -> password
	authorized  map[string][]ssh.PublicKey // username -> keys
	interactive map[string]map[string]string

	done        chan struct{}
	wg          sync.WaitGroup
	sessions    []*session
	sessionsMu  sync.Mutex
	connections atomic.Int32
	accepted    atomic.Int32
	envs        sync.Map // "name" -> value of the last env request
}

type session struct {
	channel ssh.Channel
	pty     *os.File
	cmd     *exec.Cmd
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the shell used for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithAuthorizedKey lets username authenticate with key.
func WithAuthorizedKey(username string, key ssh.PublicKey) Option {
	return func(s *Server) {
		s.authorized[username] = append(s.authorized[username], key)
	}
}

// WithKeyboardInteractive lets username authenticate by answering each
// question with its expected answer.
func WithKeyboardInteractive(username string, answers map[string]string) Option {
	return func(s *Server) {
		s.interactive[username] = answers
	}
}

// WithBanner sends a USERAUTH_BANNER before authentication.
func WithBanner(banner string) Option {
	return func(s *Server) {
		s.banner = banner
	}
}

// WithHostKey replaces the generated ed25519 host key.
func WithHostKey(signer ssh.Signer) Option {
	return func(s *Server) {
		s.hostKey = signer
	}
}

// WithConfig adjusts the server config, e.g. to restrict algorithms.
func WithConfig(fn func(*ssh.ServerConfig)) Option {
	return func(s *Server) {
		s.tweak = fn
	}
}

// New starts a mock SSH server on a random loopback port.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		shell: "/bin/sh",
		users: map[string]string{
			"test": "test", // Default test user
		},
		authorized:  map[string][]ssh.PublicKey{},
		interactive: map[string]map[string]string{},
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.hostKey == nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		if s.hostKey, err = ssh.NewSignerFromKey(privateKey); err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
	}

	config := &ssh.ServerConfig{
		PasswordCallback:            s.checkPassword,
		PublicKeyCallback:           s.checkPublicKey,
		KeyboardInteractiveCallback: s.checkInteractive,
	}
	if s.banner != "" {
		config.BannerCallback = func(ssh.ConnMetadata) string { return s.banner }
	}
	config.AddHostKey(s.hostKey)
	if s.tweak != nil {
		s.tweak(config)
	}
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.RLock()
	expected, ok := s.users[c.User()]
	s.mu.RUnlock()

	if ok && string(password) == expected {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.authorized[c.User()] {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("key rejected for %q", c.User())
}

func (s *Server) checkInteractive(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	s.mu.RLock()
	expected, ok := s.interactive[c.User()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keyboard-interactive not enabled for %q", c.User())
	}

	questions := make([]string, 0, len(expected))
	echos := make([]bool, 0, len(expected))
	for q := range expected {
		questions = append(questions, q)
		echos = append(echos, false)
	}
	answers, err := challenge(c.User(), "mock server", questions, echos)
	if err != nil {
		return nil, err
	}
	for i, q := range questions {
		if i >= len(answers) || answers[i] != expected[q] {
			return nil, errors.New("wrong answer")
		}
	}
	return nil, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Connections returns the number of completed handshakes.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Accepted returns the number of TCP connections accepted, handshake or
// not.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Env returns the value of the last env request for name.
func (s *Server) Env(name string) (string, bool) {
	v, ok := s.envs.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Close shuts down the mock SSH server.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	// Close all active sessions
	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		if sess.pty != nil {
			sess.pty.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		if sess.channel != nil {
			sess.channel.Close()
		}
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.accepted.Add(1)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()
	s.connections.Add(1)

	// keepalive@openssh.com and friends get a reply so clients see a live
	// peer.
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() == "direct-tcpip" {
			s.wg.Add(1)
			go s.handleDirectTCPIP(newChannel)
			continue
		}
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Debug("channel accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &session{channel: channel}
	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessionsMu.Unlock()

	var ptyReq *ptyRequest

	for req := range requests {
		ok := true
		switch req.Type {
		case "pty-req":
			ptyReq = parsePtyRequest(req.Payload)

		case "shell":
			if ptyReq == nil {
				ok = false
				break
			}
			go s.runCommand(sess, ptyReq, s.shell)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				ok = false
				break
			}
			go s.runCommand(sess, ptyReq, s.shell, "-c", payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				ok = false
				break
			}
			go s.serveSFTP(channel)

		case "env":
			var payload struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				ok = false
				break
			}
			s.envs.Store(payload.Name, payload.Value)

		case "window-change":
			var payload struct{ Columns, Rows, Width, Height uint32 }
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil && sess.pty != nil {
				setWinsize(sess.pty, payload.Columns, payload.Rows)
			}

		default:
			ok = false
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *Server) serveSFTP(channel ssh.Channel) {
	server, err := sftp.NewServer(channel)
	if err != nil {
		slog.Debug("sftp server failed", slog.String("error", err.Error()))
		channel.Close()
		return
	}
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("sftp server stopped", slog.String("error", err.Error()))
	}
	server.Close()
	sendExitStatus(channel, 0)
}

func (s *Server) runCommand(sess *session, ptyReq *ptyRequest, name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	s.sessionsMu.Lock()
	sess.cmd = cmd
	s.sessionsMu.Unlock()

	if ptyReq != nil {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			slog.Debug("pty start failed", slog.String("error", err.Error()))
			sendExitStatus(sess.channel, 1)
			return
		}
		s.sessionsMu.Lock()
		sess.pty = ptmx
		s.sessionsMu.Unlock()

		setWinsize(ptmx, ptyReq.Width, ptyReq.Height)

		done := make(chan struct{})
		go func() {
			io.Copy(sess.channel, ptmx)
			close(done)
		}()
		go func() {
			io.Copy(ptmx, sess.channel)
		}()

		exitCode := waitExit(cmd.Wait())
		ptmx.Close()
		<-done // Wait for output to be flushed

		sendExitStatus(sess.channel, exitCode)
		return
	}

	// Without a pty stdout and stderr stay separate and stdin streams from
	// the channel until EOF.
	cmd.Stdout = sess.channel
	cmd.Stderr = sess.channel.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(sess.channel, 1)
		return
	}
	if err := cmd.Start(); err != nil {
		slog.Debug("command start failed", slog.String("error", err.Error()))
		sendExitStatus(sess.channel, 127)
		return
	}
	go func() {
		io.Copy(stdin, sess.channel)
		stdin.Close()
	}()
	sendExitStatus(sess.channel, waitExit(cmd.Wait()))
}

func waitExit(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func sendExitStatus(channel ssh.Channel, code int) {
	// Close writes first to signal EOF on our output
	channel.CloseWrite()

	channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))

	// Finally close the channel
	channel.Close()
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

func parsePtyRequest(payload []byte) *ptyRequest {
	var req struct {
		Term          string
		Width, Height uint32
		PixelWidth    uint32
		PixelHeight   uint32
		Modes         string
	}
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return &ptyRequest{Term: "xterm", Width: 80, Height: 24}
	}
	return &ptyRequest{Term: req.Term, Width: req.Width, Height: req.Height}
}

func setWinsize(f *os.File, width, height uint32) {
	ws := struct {
		Row    uint16
		Col    uint16
		Xpixel uint16
		Ypixel uint16
	}{
		Row: uint16(height),
		Col: uint16(width),
	}
	syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(syscall.TIOCSWINSZ), uintptr(unsafe.Pointer(&ws)))
}

// directTCPIP is the RFC 4254 §7.2 channel-open payload.
type directTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// handleDirectTCPIP connects to the requested address and relays the
// channel to it.
func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	defer s.wg.Done()

	var req directTCPIP
	if err := ssh.Unmarshal(newChannel.ExtraData(), &req); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer target.Close()

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	done := make(chan struct{})
	go func() {
		io.Copy(target, channel)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		close(done)
	}()
	io.Copy(channel, target)
	channel.CloseWrite()
	<-done
}
