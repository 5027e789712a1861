package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/wire"
)

const (
	// channelIndexBits is the width of the slot index in a channel's wire
	// id; the remaining high bits carry the slot generation.
	channelIndexBits = 20
	maxGeneration    = 1<<(32-channelIndexBits) - 1

	// maxChunk keeps a CHANNEL_DATA packet well under the packet limit.
	maxChunk = wire.MaxPacketLength - 1024

	openAdministrativelyProhibited = 1
)

// ChannelID names a channel on its Conn. The generation makes a stale id
// from a closed channel miss instead of reaching the slot's next user.
type ChannelID struct {
	index uint32
	gen   uint32
}

// Valid reports whether id was issued by OpenChannel.
func (id ChannelID) Valid() bool { return id.gen != 0 }

func (id ChannelID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

// wire returns the local channel number sent to the server.
func (id ChannelID) wire() uint32 {
	return id.gen<<channelIndexBits | id.index
}

func channelIDFromWire(v uint32) ChannelID {
	return ChannelID{index: v & (1<<channelIndexBits - 1), gen: v >> channelIndexBits}
}

// ExitStatus is how the remote command ended: Code from exit-status, or
// Signal (without the SIG prefix) from exit-signal.
type ExitStatus struct {
	Code       int
	Signal     string
	CoreDumped bool
	Message    string
}

// ChannelEventSink receives a channel's events. Methods run on the
// connection's processing goroutine: they must not block and must not call
// back into the Conn synchronously.
type ChannelEventSink interface {
	OnData(data []byte)
	OnExtendedData(code uint32, data []byte)
	OnEOF()
	OnClose()
	OnExit(status ExitStatus)
}

// bufferingSink is a sink that holds received data until the application
// reads it. Its channel's window reopens only as reads are reported through
// Conn.consumed, so unread data never exceeds the window.
type bufferingSink interface {
	ChannelEventSink
	buffersData()
}

type pendingWrite struct {
	data  []byte
	reply chan<- error
}

type channel struct {
	gen  uint32
	used bool

	kind      string
	sink      ChannelEventSink
	confirmed bool
	remoteID  uint32

	// localWindow is what the server may still send; released counts bytes
	// handed on but not yet granted back with WINDOW_ADJUST.
	localWindow     uint32
	released        uint32
	heldWindow      bool
	remoteWindow    uint32
	remoteMaxPacket uint32

	sentEOF   bool
	sentClose bool

	openReply chan<- error
	requests  []chan<- error
	writes    []*pendingWrite
}

// arena is the channel table: slots are reused through a free list and
// each reuse bumps the slot generation.
type arena struct {
	slots []channel
	free  []uint32
	live  int
	max   int
}

func newArena(max int) *arena {
	return &arena{max: max}
}

func (a *arena) alloc() (ChannelID, *channel, bool) {
	if a.live >= a.max {
		return ChannelID{}, nil, false
	}
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, channel{})
		index = uint32(len(a.slots) - 1)
	}
	ch := &a.slots[index]
	gen := ch.gen%maxGeneration + 1
	*ch = channel{gen: gen, used: true}
	a.live++
	return ChannelID{index: index, gen: gen}, ch, true
}

func (a *arena) get(id ChannelID) *channel {
	if int(id.index) >= len(a.slots) {
		return nil
	}
	ch := &a.slots[id.index]
	if !ch.used || ch.gen != id.gen {
		return nil
	}
	return ch
}

func (a *arena) release(id ChannelID) {
	ch := a.get(id)
	if ch == nil {
		return
	}
	*ch = channel{gen: ch.gen}
	a.free = append(a.free, id.index)
	a.live--
}

// closeAll fails every pending operation with err and notifies sinks.
func (a *arena) closeAll(err error) {
	for i := range a.slots {
		ch := &a.slots[i]
		if !ch.used {
			continue
		}
		ch.failPending(err)
		if ch.sink != nil && ch.confirmed {
			ch.sink.OnClose()
		}
		a.release(ChannelID{index: uint32(i), gen: ch.gen})
	}
}

func (ch *channel) failPending(err error) {
	if ch.openReply != nil {
		ch.openReply <- err
		ch.openReply = nil
	}
	for _, r := range ch.requests {
		r <- err
	}
	ch.requests = nil
	for _, w := range ch.writes {
		w.reply <- err
	}
	ch.writes = nil
}

func channelError(op, format string, args ...any) error {
	return errs.Newf(errs.KindChannel, op, format, args...)
}

// OpenChannel opens a channel of the given type ("session" for shells,
// commands and subsystems) and returns once the server confirms it.
func (c *Conn) OpenChannel(ctx context.Context, channelType string, sink ChannelEventSink) (ChannelID, error) {
	return c.openChannel(ctx, channelType, nil, sink)
}

// openChannel sends CHANNEL_OPEN with extra appended after the common
// fields, as "direct-tcpip" needs.
func (c *Conn) openChannel(ctx context.Context, channelType string, extra []byte, sink ChannelEventSink) (ChannelID, error) {
	if sink == nil {
		return ChannelID{}, channelError("open channel", "sink is required")
	}
	var id ChannelID
	err := c.call(ctx, "open channel", func(reply chan<- error) {
		if st := c.state(); st != StateConnected {
			reply <- channelError("open channel", "connection is in state %s", st)
			return
		}
		newID, ch, ok := c.channels.alloc()
		if !ok {
			reply <- channelError("open channel", "limit of %d channels reached", c.cfg.MaxChannels)
			return
		}
		ch.kind = channelType
		ch.sink = sink
		_, ch.heldWindow = sink.(bufferingSink)
		ch.localWindow = c.cfg.WindowSize
		ch.openReply = reply
		id = newID

		_ = c.send(wire.NewBuilder(wire.MsgChannelOpen).
			String(channelType).
			Uint32(newID.wire()).
			Uint32(c.cfg.WindowSize).
			Uint32(c.cfg.MaxPacketSize).
			Raw(extra).
			Payload())
	})
	if err != nil {
		return ChannelID{}, err
	}
	return id, nil
}

// SendChannelData writes data to the channel, split to the server's window
// and packet limits. It returns once every byte has been sent; while the
// server's window is exhausted the data waits for WINDOW_ADJUST.
func (c *Conn) SendChannelData(ctx context.Context, id ChannelID, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := append([]byte(nil), data...)
	return c.call(ctx, "send data", func(reply chan<- error) {
		ch, err := c.writableChannel(id, "send data")
		if err != nil {
			reply <- err
			return
		}
		ch.writes = append(ch.writes, &pendingWrite{data: buf, reply: reply})
		c.flushWrites(ch)
	})
}

func (c *Conn) writableChannel(id ChannelID, op string) (*channel, error) {
	ch := c.channels.get(id)
	switch {
	case ch == nil:
		return nil, channelError(op, "channel %s is unknown or closed", id)
	case !ch.confirmed:
		return nil, channelError(op, "channel %s is not open yet", id)
	case ch.sentClose:
		return nil, channelError(op, "channel %s is closed", id)
	case ch.sentEOF:
		return nil, channelError(op, "channel %s has sent EOF", id)
	}
	return ch, nil
}

func (c *Conn) flushWrites(ch *channel) {
	for len(ch.writes) > 0 && ch.remoteWindow > 0 && !c.closing {
		w := ch.writes[0]
		n := uint32(len(w.data))
		n = min(n, ch.remoteWindow, ch.remoteMaxPacket, maxChunk)
		if n == 0 {
			return
		}
		err := c.send(wire.NewBuilder(wire.MsgChannelData).
			Uint32(ch.remoteID).
			Bytes(w.data[:n]).
			Payload())
		if err != nil {
			return
		}
		ch.remoteWindow -= n
		w.data = w.data[n:]
		if len(w.data) == 0 {
			w.reply <- nil
			ch.writes = ch.writes[1:]
		}
	}
}

// SendRequest sends a CHANNEL_REQUEST. With wantReply it waits for
// CHANNEL_SUCCESS and turns CHANNEL_FAILURE into a ChannelError.
func (c *Conn) SendRequest(ctx context.Context, id ChannelID, requestType string, wantReply bool, data []byte) error {
	return c.call(ctx, "channel request", func(reply chan<- error) {
		ch := c.channels.get(id)
		if ch == nil || !ch.confirmed || ch.sentClose {
			reply <- channelError("channel request", "channel %s is not open", id)
			return
		}
		if c.send(wire.NewBuilder(wire.MsgChannelRequest).
			Uint32(ch.remoteID).
			String(requestType).
			Bool(wantReply).
			Raw(data).
			Payload()) != nil {
			return
		}
		if !wantReply {
			reply <- nil
			return
		}
		ch.requests = append(ch.requests, reply)
	})
}

// SendEOF tells the server no more data will be sent on the channel.
func (c *Conn) SendEOF(ctx context.Context, id ChannelID) error {
	return c.call(ctx, "send eof", func(reply chan<- error) {
		ch := c.channels.get(id)
		if ch == nil || !ch.confirmed {
			reply <- channelError("send eof", "channel %s is not open", id)
			return
		}
		if !ch.sentEOF && !ch.sentClose {
			ch.sentEOF = true
			_ = c.send(wire.NewBuilder(wire.MsgChannelEOF).Uint32(ch.remoteID).Payload())
		}
		reply <- nil
	})
}

// CloseChannel sends CHANNEL_CLOSE. The channel is released when the
// server's CHANNEL_CLOSE arrives; writes still waiting for window fail.
func (c *Conn) CloseChannel(ctx context.Context, id ChannelID) error {
	return c.call(ctx, "close channel", func(reply chan<- error) {
		ch := c.channels.get(id)
		if ch == nil {
			reply <- channelError("close channel", "channel %s is unknown or closed", id)
			return
		}
		if !ch.confirmed {
			reply <- channelError("close channel", "channel %s is not open yet", id)
			return
		}
		if !ch.sentClose {
			ch.sentClose = true
			for _, w := range ch.writes {
				w.reply <- channelError("send data", "channel %s closed", id)
			}
			ch.writes = nil
			_ = c.send(wire.NewBuilder(wire.MsgChannelClose).Uint32(ch.remoteID).Payload())
		}
		reply <- nil
	})
}

// handleChannelMessage handles messages 90-127.
func (c *Conn) handleChannelMessage(payload []byte) {
	msg := payload[0]
	p := wire.NewParser(payload[1:])

	if msg == wire.MsgChannelOpen {
		kind := p.String()
		sender := p.Uint32()
		if p.Err() != nil {
			c.protocolError("malformed CHANNEL_OPEN")
			return
		}
		c.log.Debug("rejecting server channel", slog.String("type", kind))
		_ = c.send(wire.NewBuilder(wire.MsgChannelOpenFailure).
			Uint32(sender).
			Uint32(openAdministrativelyProhibited).
			String("channel type not supported").
			String("").
			Payload())
		return
	}

	id := channelIDFromWire(p.Uint32())
	if p.Err() != nil {
		c.protocolError("malformed %s", wire.MessageName(msg))
		return
	}
	ch := c.channels.get(id)
	if ch == nil {
		c.log.Debug("message for unknown channel", slog.String("msg", wire.MessageName(msg)), slog.String("channel", id.String()))
		return
	}

	switch msg {
	case wire.MsgChannelOpenConfirmation:
		c.handleOpenConfirmation(id, ch, p)
	case wire.MsgChannelOpenFailure:
		code := p.Uint32()
		description := p.String()
		if ch.confirmed {
			c.protocolError("CHANNEL_OPEN_FAILURE for open channel %s", id)
			return
		}
		if ch.openReply != nil {
			ch.openReply <- channelError("open channel", "server refused %s channel: %s (code %d)", ch.kind, description, code)
			ch.openReply = nil
		}
		c.channels.release(id)
	case wire.MsgChannelWindowAdjust:
		n := p.Uint32()
		if p.Err() != nil {
			c.protocolError("malformed CHANNEL_WINDOW_ADJUST")
			return
		}
		if uint64(ch.remoteWindow)+uint64(n) > math.MaxUint32 {
			c.protocolError("window overflow on channel %s", id)
			return
		}
		ch.remoteWindow += n
		c.flushWrites(ch)
	case wire.MsgChannelData:
		data := p.Bytes()
		if p.Err() != nil {
			c.protocolError("malformed CHANNEL_DATA")
			return
		}
		if c.consumeWindow(id, ch, len(data)) {
			ch.sink.OnData(data)
			if !ch.heldWindow {
				c.releaseWindow(ch, uint32(len(data)))
			}
		}
	case wire.MsgChannelExtendedData:
		code := p.Uint32()
		data := p.Bytes()
		if p.Err() != nil {
			c.protocolError("malformed CHANNEL_EXTENDED_DATA")
			return
		}
		if c.consumeWindow(id, ch, len(data)) {
			ch.sink.OnExtendedData(code, data)
			c.releaseWindow(ch, uint32(len(data)))
		}
	case wire.MsgChannelEOF:
		ch.sink.OnEOF()
	case wire.MsgChannelClose:
		c.handleChannelClose(id, ch)
	case wire.MsgChannelRequest:
		c.handleChannelRequest(ch, p)
	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		if len(ch.requests) == 0 {
			c.protocolError("%s without a request on channel %s", wire.MessageName(msg), id)
			return
		}
		r := ch.requests[0]
		ch.requests = ch.requests[1:]
		if msg == wire.MsgChannelSuccess {
			r <- nil
		} else {
			r <- channelError("channel request", "server refused request on channel %s", id)
		}
	default:
		_ = c.send(wire.NewBuilder(wire.MsgUnimplemented).Uint32(c.recvSeq.Load() - 1).Payload())
	}
}

func (c *Conn) handleOpenConfirmation(id ChannelID, ch *channel, p *wire.Parser) {
	remoteID := p.Uint32()
	window := p.Uint32()
	maxPacket := p.Uint32()
	if p.Err() != nil {
		c.protocolError("malformed CHANNEL_OPEN_CONFIRMATION")
		return
	}
	if ch.confirmed {
		c.log.Debug("duplicate confirmation", slog.String("channel", id.String()))
		return
	}
	if maxPacket == 0 {
		// No data could ever be sent; give the channel back.
		_ = c.send(wire.NewBuilder(wire.MsgChannelClose).Uint32(remoteID).Payload())
		ch.failPending(channelError("open channel", "server confirmed %s channel with a zero maximum packet size", ch.kind))
		c.channels.release(id)
		return
	}
	ch.confirmed = true
	ch.remoteID = remoteID
	ch.remoteWindow = window
	ch.remoteMaxPacket = maxPacket
	c.log.Debug("channel open", slog.String("channel", id.String()), slog.String("type", ch.kind),
		slog.Uint64("remote_window", uint64(window)), slog.Uint64("remote_max_packet", uint64(maxPacket)))
	if ch.openReply != nil {
		ch.openReply <- nil
		ch.openReply = nil
	}
}

// consumeWindow charges n received bytes to the channel's window.
func (c *Conn) consumeWindow(id ChannelID, ch *channel, n int) bool {
	if uint64(n) > uint64(ch.localWindow) {
		c.protocolError("server exceeded window on channel %s", id)
		return false
	}
	ch.localWindow -= uint32(n)
	return true
}

// releaseWindow returns n bytes the channel has handed on to the window,
// granting them with WINDOW_ADJUST once half the window is waiting.
func (c *Conn) releaseWindow(ch *channel, n uint32) {
	ch.released += n
	if c.closing || ch.sentClose || ch.released < c.cfg.WindowSize/2 {
		return
	}
	grant := ch.released
	ch.released = 0
	ch.localWindow += grant
	_ = c.send(wire.NewBuilder(wire.MsgChannelWindowAdjust).
		Uint32(ch.remoteID).
		Uint32(grant).
		Payload())
}

// consumed reports that the application has read n bytes of a buffering
// channel's data.
func (c *Conn) consumed(id ChannelID, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()
	if !running {
		return
	}
	c.post(done, func() {
		if ch := c.channels.get(id); ch != nil && ch.confirmed {
			c.releaseWindow(ch, uint32(n))
		}
	})
}

func (c *Conn) handleChannelClose(id ChannelID, ch *channel) {
	if !ch.confirmed {
		ch.failPending(channelError("open channel", "server closed %s channel before confirming it", ch.kind))
		c.channels.release(id)
		return
	}
	if !ch.sentClose {
		ch.sentClose = true
		_ = c.send(wire.NewBuilder(wire.MsgChannelClose).Uint32(ch.remoteID).Payload())
	}
	ch.failPending(channelError("channel", "channel %s closed", id))
	ch.sink.OnClose()
	c.channels.release(id)
	if c.shell == id {
		c.shell = ChannelID{}
	}
	c.log.Debug("channel closed", slog.String("channel", id.String()))
}

func (c *Conn) handleChannelRequest(ch *channel, p *wire.Parser) {
	requestType := p.String()
	wantReply := p.Bool()
	if p.Err() != nil {
		c.protocolError("malformed CHANNEL_REQUEST")
		return
	}

	handled := true
	switch requestType {
	case "exit-status":
		code := p.Uint32()
		if p.Err() != nil {
			c.protocolError("malformed exit-status")
			return
		}
		ch.sink.OnExit(ExitStatus{Code: int(code)})
	case "exit-signal":
		status := ExitStatus{Code: -1}
		status.Signal = p.String()
		status.CoreDumped = p.Bool()
		status.Message = p.String()
		if p.Err() != nil {
			c.protocolError("malformed exit-signal")
			return
		}
		ch.sink.OnExit(status)
	default:
		handled = false
		c.log.Debug("declining channel request", slog.String("request", requestType))
	}

	if wantReply {
		reply := wire.MsgChannelFailure
		if handled {
			reply = wire.MsgChannelSuccess
		}
		_ = c.send(wire.NewBuilder(reply).Uint32(ch.remoteID).Payload())
	}
}
