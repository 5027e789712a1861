package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/acolita/sshcore/internal/adapters/realclock"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/recording"
	"github.com/acolita/sshcore/internal/transport"
	"golang.org/x/term"
)

// terminalSink copies shell output to the local terminal and records how
// the channel ended.
type terminalSink struct {
	stdout io.Writer
	stderr io.Writer

	mu     sync.Mutex
	exit   *transport.ExitStatus
	closed chan struct{}
	once   sync.Once
}

func newTerminalSink(stdout, stderr io.Writer) *terminalSink {
	return &terminalSink{stdout: stdout, stderr: stderr, closed: make(chan struct{})}
}

func (s *terminalSink) OnData(data []byte) { _, _ = s.stdout.Write(data) }

func (s *terminalSink) OnExtendedData(_ uint32, data []byte) { _, _ = s.stderr.Write(data) }

func (s *terminalSink) OnEOF() {}

func (s *terminalSink) OnClose() { s.once.Do(func() { close(s.closed) }) }

func (s *terminalSink) OnExit(status transport.ExitStatus) {
	s.mu.Lock()
	s.exit = &status
	s.mu.Unlock()
}

func (s *terminalSink) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.exit == nil:
		return 255
	case s.exit.Signal != "":
		return 128 + signalNumber(s.exit.Signal)
	default:
		return s.exit.Code
	}
}

// signalNumber maps RFC 4254 signal names to their usual numbers.
func signalNumber(name string) int {
	switch name {
	case "HUP":
		return 1
	case "INT":
		return 2
	case "QUIT":
		return 3
	case "KILL":
		return 9
	case "SEGV":
		return 11
	case "PIPE":
		return 13
	case "TERM":
		return 15
	}
	return 0
}

// shell runs an interactive shell. When stdin is a terminal it is put in
// raw mode and its size follows SIGWINCH.
func (a *app) shell(ctx context.Context, target, recordPath string) (int, error) {
	conn, err := a.connect(ctx, target)
	if err != nil {
		return 0, err
	}
	defer conn.Disconnect()
	defer a.watchKnownHosts()()

	pty := transport.PTYRequest{Term: a.getenv("TERM")}
	fd := -1
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
		if w, h, err := term.GetSize(fd); err == nil {
			pty.Columns, pty.Rows = uint32(w), uint32(h)
		}
		old, err := term.MakeRaw(fd)
		if err != nil {
			return 0, fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, old)
	}
	if pty.Columns == 0 || pty.Rows == 0 {
		pty.Columns, pty.Rows = 80, 24
	}

	local := newTerminalSink(a.stdout, a.stderr)
	var sink transport.ChannelEventSink = local
	var rec *recording.Recorder
	if recordPath != "" {
		f, err := os.OpenFile(recordPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return 0, fmt.Errorf("create recording: %w", err)
		}
		if rec, err = recording.New(f, realclock.New(), pty, target); err != nil {
			f.Close()
			return 0, err
		}
		defer func() {
			if err := rec.Err(); err != nil {
				fmt.Fprintf(a.stderr, "recording incomplete: %v\n", err)
			}
			rec.Close()
		}()
		sink = rec.Sink(sink)
	}

	id, err := conn.ShellWrite(ctx, nil, pty, sink)
	if err != nil {
		return 0, err
	}

	if fd >= 0 {
		resize := make(chan os.Signal, 1)
		signal.Notify(resize, syscall.SIGWINCH)
		defer signal.Stop(resize)
		go func() {
			for range resize {
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				if rec != nil {
					rec.Resize(uint32(w), uint32(h))
				}
				if err := conn.WindowChange(ctx, id, uint32(w), uint32(h), 0, 0); err != nil {
					a.log.Debug("window change failed", slog.String("error", err.Error()))
				}
			}
		}()
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := a.stdin.Read(buf)
			select {
			case <-local.closed:
				// A write now would open a fresh shell.
				return
			default:
			}
			if n > 0 {
				if rec != nil {
					rec.Input(buf[:n])
				}
				if _, werr := conn.ShellWrite(ctx, buf[:n], pty, sink); werr != nil {
					return
				}
			}
			if err != nil {
				_ = conn.SendEOF(ctx, id)
				return
			}
		}
	}()

	select {
	case <-local.closed:
		return local.exitCode(), nil
	case <-ctx.Done():
		return 130, nil
	}
}

// exec runs command and streams its output. The exit code is the remote
// command's.
func (a *app) exec(ctx context.Context, target string, command []string) (int, error) {
	conn, err := a.connect(ctx, target)
	if err != nil {
		return 0, err
	}
	defer conn.Disconnect()

	stream, err := conn.OpenStream(ctx, "session", a.stderr)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	if err := conn.RequestExec(ctx, stream.ID(), strings.Join(command, " ")); err != nil {
		return 0, err
	}

	go func() {
		if _, err := io.Copy(stream, a.stdin); err != nil && !errs.Is(err, errs.KindChannel) {
			a.log.Debug("stdin copy failed", slog.String("error", err.Error()))
		}
		_ = stream.CloseWrite()
	}()

	if _, err := io.Copy(a.stdout, stream); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	status, ok := stream.Wait()
	if !ok {
		return 255, nil
	}
	if status.Signal != "" {
		fmt.Fprintf(a.stderr, "remote command killed by signal %s\n", status.Signal)
		return 128 + signalNumber(status.Signal), nil
	}
	return status.Code, nil
}
