package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/ssh"
)

const serviceConnection = "ssh-connection"

// maxInfoPrompts bounds a keyboard-interactive INFO_REQUEST.
const maxInfoPrompts = 64

// AuthMethod is one user authentication method (RFC 4252).
type AuthMethod interface {
	// Name is the method name sent on the wire.
	Name() string
}

// NoneAuth asks the server which methods it accepts.
type NoneAuth struct{}

// PasswordAuth authenticates with a password.
type PasswordAuth struct {
	Password string
}

// PublicKeyAuth signs the session with a private key or agent key.
type PublicKeyAuth struct {
	Signer ssh.Signer
}

// KeyboardInteractiveAuth answers server prompts (RFC 4256).
type KeyboardInteractiveAuth struct {
	Challenge ssh.KeyboardInteractiveChallenge
}

func (NoneAuth) Name() string                { return "none" }
func (PasswordAuth) Name() string            { return "password" }
func (PublicKeyAuth) Name() string           { return "publickey" }
func (KeyboardInteractiveAuth) Name() string { return "keyboard-interactive" }

// AuthFailure is the server's USERAUTH_FAILURE: the methods that may
// continue and whether the attempt was a partial success.
type AuthFailure struct {
	Methods        []string
	PartialSuccess bool
}

func (f *AuthFailure) Error() string {
	msg := fmt.Sprintf("server accepts: %s", strings.Join(f.Methods, ","))
	if f.PartialSuccess {
		msg = "partial success; " + msg
	}
	return msg
}

type authAttempt struct {
	method AuthMethod
	reply  chan<- error
}

// Authenticate runs one authentication attempt. On rejection the error is
// an AuthenticationFailed error wrapping *AuthFailure, and the connection
// stays in StateAuthentication for another attempt. On success the
// connection moves to StateConnected.
func (c *Conn) Authenticate(ctx context.Context, method AuthMethod) error {
	var payload []byte
	switch m := method.(type) {
	case NoneAuth:
		payload = c.authRequest(m).Payload()
	case KeyboardInteractiveAuth:
		if m.Challenge == nil {
			return errs.New(errs.KindAuthenticationFailed, "authenticate", "keyboard-interactive needs a challenge function")
		}
		// Language tag and submethods are empty.
		payload = c.authRequest(m).
			String("").
			String("").
			Payload()
	case PasswordAuth:
		payload = c.authRequest(m).
			Bool(false).
			String(m.Password).
			Payload()
	case PublicKeyAuth:
		if m.Signer == nil {
			return errs.New(errs.KindAuthenticationFailed, "authenticate", "publickey needs a signer")
		}
		sid := c.SessionID()
		if sid == nil {
			return errs.New(errs.KindAuthenticationFailed, "authenticate", "no session established")
		}
		var err error
		if payload, err = c.publicKeyRequest(sid, m.Signer); err != nil {
			return err
		}
	default:
		return errs.Newf(errs.KindAuthenticationFailed, "authenticate", "unsupported method %T", method)
	}

	return c.call(ctx, "authenticate", func(reply chan<- error) {
		if st := c.state(); st != StateAuthentication {
			reply <- errs.Newf(errs.KindAuthenticationFailed, "authenticate", "connection is in state %s", st)
			return
		}
		if c.auth != nil {
			reply <- errs.New(errs.KindAuthenticationFailed, "authenticate", "authentication already in progress")
			return
		}
		c.auth = &authAttempt{method: method, reply: reply}
		c.log.Debug("authenticating", slog.String("method", method.Name()), slog.String("user", c.cfg.User))
		_ = c.send(payload)
	})
}

func (c *Conn) authRequest(m AuthMethod) *wire.Builder {
	return wire.NewBuilder(wire.MsgUserAuthRequest).
		String(c.cfg.User).
		String(serviceConnection).
		String(m.Name())
}

// publicKeyRequest builds a signed publickey request (RFC 4252 §7). RSA
// keys sign with rsa-sha2-256 when the signer supports it.
func (c *Conn) publicKeyRequest(sid []byte, signer ssh.Signer) ([]byte, error) {
	pub := signer.PublicKey()
	alg := pub.Type()
	algSigner, isAlgSigner := signer.(ssh.AlgorithmSigner)
	if alg == ssh.KeyAlgoRSA && isAlgSigner {
		alg = ssh.KeyAlgoRSASHA256
	}
	blob := pub.Marshal()

	data := wire.AppendBytes(nil, sid)
	data = append(data, wire.NewBuilder(wire.MsgUserAuthRequest).
		String(c.cfg.User).
		String(serviceConnection).
		String("publickey").
		Bool(true).
		String(alg).
		Bytes(blob).
		Payload()...)

	var sig *ssh.Signature
	var err error
	if isAlgSigner {
		sig, err = algSigner.SignWithAlgorithm(c.cfg.Random, data, alg)
	} else {
		sig, err = signer.Sign(c.cfg.Random, data)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, "sign auth request", err)
	}

	return c.authRequest(PublicKeyAuth{}).
		Bool(true).
		String(alg).
		Bytes(blob).
		Bytes(kex.MarshalSignature(sig)).
		Payload(), nil
}

func (c *Conn) handleAuthMessage(payload []byte) {
	switch payload[0] {
	case wire.MsgUserAuthBanner:
		p := wire.NewParser(payload[1:])
		message := p.String()
		if p.Err() != nil {
			c.protocolError("malformed USERAUTH_BANNER")
			return
		}
		if c.cfg.BannerHandler != nil {
			c.cfg.BannerHandler(message)
		}
		return

	case wire.MsgUserAuthSuccess:
		if c.auth == nil {
			c.protocolError("USERAUTH_SUCCESS without a request")
			return
		}
		c.log.Info("authenticated", slog.String("method", c.auth.method.Name()), slog.String("user", c.cfg.User))
		c.setState(StateConnected)
		c.startKeepAlive()
		c.auth.reply <- nil
		c.auth = nil
		return

	case wire.MsgUserAuthFailure:
		if c.auth == nil {
			c.protocolError("USERAUTH_FAILURE without a request")
			return
		}
		p := wire.NewParser(payload[1:])
		failure := &AuthFailure{Methods: p.NameList(), PartialSuccess: p.Bool()}
		if p.Err() != nil {
			c.protocolError("malformed USERAUTH_FAILURE")
			return
		}
		c.log.Debug("authentication rejected", slog.String("method", c.auth.method.Name()), slog.Any("methods", failure.Methods))
		c.auth.reply <- errs.Wrap(errs.KindAuthenticationFailed, c.auth.method.Name(), failure)
		c.auth = nil
		return

	case wire.MsgUserAuthInfoRequest:
		if c.auth != nil {
			if m, ok := c.auth.method.(KeyboardInteractiveAuth); ok {
				c.handleInfoRequest(payload, m.Challenge)
				return
			}
		}
	}
	c.protocolError("unexpected %s", wire.MessageName(payload[0]))
}

// handleInfoRequest runs the challenge off the processing goroutine and
// sends the answers when it returns.
func (c *Conn) handleInfoRequest(payload []byte, challenge ssh.KeyboardInteractiveChallenge) {
	p := wire.NewParser(payload[1:])
	name := p.String()
	instruction := p.String()
	p.String() // language tag
	n := p.Uint32()
	if p.Err() != nil || n > maxInfoPrompts {
		c.protocolError("malformed USERAUTH_INFO_REQUEST")
		return
	}
	questions := make([]string, n)
	echos := make([]bool, n)
	for i := range questions {
		questions[i] = p.String()
		echos[i] = p.Bool()
	}
	if err := p.Err(); err != nil {
		c.protocolError("malformed USERAUTH_INFO_REQUEST")
		return
	}

	attempt := c.auth
	done := c.loopDone
	go func() {
		answers, err := challenge(name, instruction, questions, echos)
		c.post(done, func() {
			if c.auth != attempt {
				return
			}
			if err == nil && len(answers) != len(questions) {
				err = fmt.Errorf("%d answers for %d prompts", len(answers), len(questions))
			}
			if err != nil {
				attempt.reply <- errs.Wrap(errs.KindAuthenticationFailed, "keyboard-interactive", err)
				c.auth = nil
				return
			}
			b := wire.NewBuilder(wire.MsgUserAuthInfoResponse).Uint32(uint32(len(answers)))
			for _, a := range answers {
				b.String(a)
			}
			_ = c.send(b.Payload())
		})
	}()
}
