package transport

import (
	"context"
	"sort"

	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/ssh"
)

// PTYRequest describes the pseudo-terminal requested for a session
// channel. Zero fields take an 80x24 xterm-256color terminal.
type PTYRequest struct {
	Term         string
	Columns      uint32
	Rows         uint32
	WidthPixels  uint32
	HeightPixels uint32
	Modes        ssh.TerminalModes
}

func (r PTYRequest) withDefaults() PTYRequest {
	if r.Term == "" {
		r.Term = "xterm-256color"
	}
	if r.Columns == 0 {
		r.Columns = 80
	}
	if r.Rows == 0 {
		r.Rows = 24
	}
	return r
}

// encodeModes writes terminal modes as opcode/uint32 pairs ending in
// TTY_OP_END (RFC 4254 §8).
func encodeModes(modes ssh.TerminalModes) []byte {
	ops := make([]int, 0, len(modes))
	for op := range modes {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)

	var b []byte
	for _, op := range ops {
		v := modes[uint8(op)]
		b = append(b, byte(op), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return append(b, 0)
}

// RequestPTY sends pty-req.
func (c *Conn) RequestPTY(ctx context.Context, id ChannelID, req PTYRequest) error {
	req = req.withDefaults()
	data := wire.NewBuilder(0).
		String(req.Term).
		Uint32(req.Columns).
		Uint32(req.Rows).
		Uint32(req.WidthPixels).
		Uint32(req.HeightPixels).
		Bytes(encodeModes(req.Modes)).
		Payload()
	return c.SendRequest(ctx, id, "pty-req", true, data[1:])
}

// RequestShell starts the user's login shell on the channel.
func (c *Conn) RequestShell(ctx context.Context, id ChannelID) error {
	return c.SendRequest(ctx, id, "shell", true, nil)
}

// RequestExec runs command on the channel.
func (c *Conn) RequestExec(ctx context.Context, id ChannelID, command string) error {
	return c.SendRequest(ctx, id, "exec", true, stringField(command))
}

// RequestSubsystem starts a subsystem such as "sftp".
func (c *Conn) RequestSubsystem(ctx context.Context, id ChannelID, name string) error {
	return c.SendRequest(ctx, id, "subsystem", true, stringField(name))
}

// RequestEnv sets an environment variable for the session. Servers
// commonly refuse names outside their AcceptEnv list.
func (c *Conn) RequestEnv(ctx context.Context, id ChannelID, name, value string) error {
	data := append(stringField(name), stringField(value)...)
	return c.SendRequest(ctx, id, "env", true, data)
}

// WindowChange reports a terminal resize. The server sends no reply.
func (c *Conn) WindowChange(ctx context.Context, id ChannelID, columns, rows, widthPixels, heightPixels uint32) error {
	data := wire.NewBuilder(0).
		Uint32(columns).
		Uint32(rows).
		Uint32(widthPixels).
		Uint32(heightPixels).
		Payload()
	return c.SendRequest(ctx, id, "window-change", false, data[1:])
}

func stringField(s string) []byte {
	return wire.AppendBytes(nil, []byte(s))
}

// ShellWrite writes data to the connection's interactive shell. The first
// call opens a session channel, requests pty and a shell, and routes the
// shell's output to sink; later calls reuse that channel while it stays
// open and ignore pty and sink. Callers arriving while the shell is being
// opened wait for that open instead of starting another.
func (c *Conn) ShellWrite(ctx context.Context, data []byte, pty PTYRequest, sink ChannelEventSink) (ChannelID, error) {
	id, err := c.shellChannel(ctx, pty, sink)
	if err != nil {
		return ChannelID{}, err
	}
	if err := c.SendChannelData(ctx, id, data); err != nil {
		return id, err
	}
	return id, nil
}

// shellChannel returns the open shell channel, opening it when there is
// none.
func (c *Conn) shellChannel(ctx context.Context, pty PTYRequest, sink ChannelEventSink) (ChannelID, error) {
	done := c.Done()
	for {
		var (
			id      ChannelID
			opening chan struct{}
			opener  bool
		)
		err := c.call(ctx, "shell write", func(reply chan<- error) {
			switch ch := c.channels.get(c.shell); {
			case ch != nil && !ch.sentClose:
				id = c.shell
			case c.shellOpening != nil:
				opening = c.shellOpening
			default:
				c.shellOpening = make(chan struct{})
				opening, opener = c.shellOpening, true
			}
			reply <- nil
		})
		if err != nil {
			return ChannelID{}, err
		}
		if id.Valid() {
			return id, nil
		}
		if opener {
			return c.openShell(ctx, pty, sink, opening)
		}

		select {
		case <-opening:
		case <-done:
			return ChannelID{}, c.closedError("shell write")
		case <-ctx.Done():
			return ChannelID{}, ctx.Err()
		}
	}
}

// openShell opens the shell channel and then releases the callers waiting
// on opening, whatever the outcome.
func (c *Conn) openShell(ctx context.Context, pty PTYRequest, sink ChannelEventSink, opening chan struct{}) (ChannelID, error) {
	defer close(opening)

	id, err := c.OpenChannel(ctx, "session", sink)
	if err == nil {
		if err = c.RequestPTY(ctx, id, pty); err == nil {
			err = c.RequestShell(ctx, id)
		}
		if err != nil {
			_ = c.CloseChannel(ctx, id)
		}
	}

	// Runs even when ctx is done so the next caller can retry.
	published := c.call(context.Background(), "shell write", func(reply chan<- error) {
		if c.shellOpening == opening {
			c.shellOpening = nil
			if err == nil {
				c.shell = id
			}
		}
		reply <- nil
	})
	if err != nil {
		return ChannelID{}, err
	}
	return id, published
}
