package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/acolita/sshcore/internal/cipher"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/wire"
)

// kexRun is a key exchange in progress, from our KEXINIT to the server's
// NEWKEYS.
type kexRun struct {
	ctx         *kex.Context
	rekey       bool
	sentDHInit  bool
	ignoreNext  bool
	result      *kex.Result
	sentNewKeys bool
	nextReader  cipher.PacketCipher
	waiters     []chan<- error
}

func (r *kexRun) finish(err error) {
	if r.result != nil {
		r.result.Wipe()
	}
	for _, w := range r.waiters {
		w <- err
	}
	r.waiters = nil
}

// startKex sends our KEXINIT. A second exchange on the same connection is a
// re-key and keeps the session id.
func (c *Conn) startKex(rekey bool) {
	var cookie [16]byte
	if _, err := io.ReadFull(c.cfg.Random, cookie[:]); err != nil {
		c.fail(errs.Wrap(errs.KindCrypto, "kex", err))
		return
	}
	init := kex.BuildKexInit(cookie, c.cfg.Algorithms)
	c.kexRun = &kexRun{
		ctx:   kex.NewContext(c.cfg.Crypto, c.cfg.ClientVersion, c.ServerVersion(), init),
		rekey: rekey,
	}
	c.bytesSinceKex = 0
	c.log.Debug("starting key exchange", slog.Bool("rekey", rekey))
	_ = c.send(init)
}

// maybeRekey starts a re-key once enough data has crossed the connection.
func (c *Conn) maybeRekey() {
	if c.closing || c.kexRun != nil || c.bytesSinceKex < c.cfg.RekeyThreshold {
		return
	}
	if st := c.state(); st != StateAuthentication && st != StateConnected {
		return
	}
	c.log.Info("data volume reached, re-keying", slog.Int64("bytes", c.bytesSinceKex))
	c.startKex(true)
}

func (c *Conn) handleKexInit(payload []byte) {
	if c.kexRun == nil {
		if st := c.state(); st != StateAuthentication && st != StateConnected {
			c.protocolError("unexpected KEXINIT in state %s", st)
			return
		}
		c.startKex(true)
		if c.closing {
			return
		}
	}

	run := c.kexRun
	if run.ctx.ServerKexInit != nil {
		c.protocolError("duplicate KEXINIT")
		return
	}
	init, ignoreNext, err := run.ctx.HandleServerKexInit(payload, c.cfg.Algorithms, c.cfg.Random)
	if err != nil {
		c.abort(wire.DisconnectKeyExchangeFailed, err)
		return
	}

	a := run.ctx.Algorithms
	c.mu.Lock()
	c.algorithms = a
	c.mu.Unlock()
	c.log.Debug("negotiated algorithms",
		slog.String("kex", a.KEX),
		slog.String("host_key", a.HostKey),
		slog.String("cipher_c2s", a.ClientToServer.Cipher),
		slog.String("cipher_s2c", a.ServerToClient.Cipher),
		slog.String("mac_c2s", a.ClientToServer.MAC),
		slog.String("mac_s2c", a.ServerToClient.MAC))

	run.ignoreNext = ignoreNext
	if c.send(init) == nil {
		run.sentDHInit = true
	}
}

// handleKexMessage handles the method-specific messages 30-49; for the
// supported methods that is KEXDH_REPLY (ECDH_REPLY shares the number).
func (c *Conn) handleKexMessage(payload []byte) {
	run := c.kexRun
	if run == nil || !run.sentDHInit || run.result != nil {
		c.protocolError("unexpected %s", wire.MessageName(payload[0]))
		return
	}
	if run.ignoreNext {
		run.ignoreNext = false
		c.log.Debug("ignoring wrongly guessed kex packet")
		return
	}
	if payload[0] != wire.MsgKexDHReply {
		c.protocolError("unexpected %s", wire.MessageName(payload[0]))
		return
	}

	result, err := run.ctx.HandleReply(payload)
	if err != nil {
		c.abort(wire.DisconnectKeyExchangeFailed, err)
		return
	}
	run.result = result

	if run.rekey {
		_, known := c.HostKey()
		if !bytes.Equal(result.HostKey, known) {
			c.abort(wire.DisconnectHostKeyNotVerifiable,
				errs.New(errs.KindKeyExchangeFailed, "rekey", "host key changed during re-key"))
			return
		}
		c.sendNewKeys()
		return
	}

	// Input stays buffered until the verifier, which may ask a person,
	// has answered.
	c.pauseInput = true
	host, port := c.cfg.Host, c.cfg.Port
	verifier := c.cfg.HostKeyVerifier
	keyType, key := result.HostKeyType, append([]byte(nil), result.HostKey...)
	done := c.loopDone
	go func() {
		ok, err := verifier.Verify(host, port, keyType, key)
		c.post(done, func() { c.hostKeyDecision(ok, err) })
	}()
}

func (c *Conn) hostKeyDecision(ok bool, err error) {
	if c.closing || c.kexRun == nil || c.kexRun.result == nil {
		return
	}
	result := c.kexRun.result
	if err != nil || !ok {
		reason := ReasonHostKeyRejected
		attrs := []any{slog.String("host_key_type", result.HostKeyType)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.log.Warn("host key rejected", attrs...)
		c.sendDisconnect(wire.DisconnectHostKeyNotVerifiable, reason)
		c.teardown(StateError, reason, errs.New(errs.KindKeyExchangeFailed, "verify host key", reason))
		return
	}

	c.mu.Lock()
	c.hostKeyType = result.HostKeyType
	c.hostKey = append([]byte(nil), result.HostKey...)
	c.mu.Unlock()

	c.pauseInput = false
	c.sendNewKeys()
	if !c.closing {
		c.processInput()
	}
}

// sendNewKeys derives the keys, sends NEWKEYS and switches the outgoing
// direction. The incoming direction switches when the server's NEWKEYS
// arrives.
func (c *Conn) sendNewKeys() {
	run := c.kexRun
	result := run.result

	sid := c.sid.SetOnce(result.H)
	c.mu.Lock()
	if c.sessionID == nil {
		c.sessionID = append([]byte(nil), sid...)
	}
	c.mu.Unlock()

	keys, err := result.Keys(sid)
	result.Wipe()
	if err != nil {
		c.abort(wire.DisconnectKeyExchangeFailed, err)
		return
	}
	defer keys.Wipe()

	a := result.Algorithms
	writer, err := cipher.New(c.cfg.Crypto, cipher.Params{
		Cipher: a.ClientToServer.Cipher,
		MAC:    a.ClientToServer.MAC,
		Key:    keys.KeyClientToServer,
		IV:     keys.IVClientToServer,
		MACKey: keys.MACClientToServer,
	})
	if err != nil {
		c.abort(wire.DisconnectKeyExchangeFailed, err)
		return
	}
	reader, err := cipher.New(c.cfg.Crypto, cipher.Params{
		Cipher: a.ServerToClient.Cipher,
		MAC:    a.ServerToClient.MAC,
		Key:    keys.KeyServerToClient,
		IV:     keys.IVServerToClient,
		MACKey: keys.MACServerToClient,
	})
	if err != nil {
		c.abort(wire.DisconnectKeyExchangeFailed, err)
		return
	}

	if c.send([]byte{wire.MsgNewKeys}) != nil {
		return
	}
	c.writer = writer
	run.sentNewKeys = true
	run.nextReader = reader

	queued := c.queued
	c.queued = nil
	for _, p := range queued {
		if c.send(p) != nil {
			return
		}
	}
}

func (c *Conn) handleNewKeys() {
	run := c.kexRun
	if run == nil || !run.sentNewKeys {
		c.protocolError("unexpected NEWKEYS")
		return
	}
	c.reader = run.nextReader
	c.kexRun = nil
	c.bytesSinceKex = 0
	run.finish(nil)

	a := run.ctx.Algorithms
	c.log.Info("key exchange complete",
		slog.Bool("rekey", run.rekey),
		slog.String("kex", a.KEX),
		slog.String("cipher", a.ClientToServer.Cipher))

	if !run.rekey {
		_ = c.send(wire.NewBuilder(wire.MsgServiceRequest).String("ssh-userauth").Payload())
	}
}

// Rekey runs a new key exchange on an established connection. The session
// id is kept; packets sent meanwhile are queued until the new keys are in
// use. If an exchange is already running, Rekey waits for it.
func (c *Conn) Rekey(ctx context.Context) error {
	return c.call(ctx, "rekey", func(reply chan<- error) {
		if st := c.state(); st != StateAuthentication && st != StateConnected {
			reply <- errs.Newf(errs.KindProtocol, "rekey", "cannot re-key in state %s", st)
			return
		}
		if c.kexRun == nil {
			c.startKex(true)
			if c.closing {
				reply <- c.closedError("rekey")
				return
			}
		}
		c.kexRun.waiters = append(c.kexRun.waiters, reply)
	})
}
