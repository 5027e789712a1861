package kex

import (
	"fmt"
	"hash"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/security"
	"github.com/acolita/sshcore/internal/wire"
)

// HashInput is every field bound by the exchange hash (RFC 4253 §8,
// RFC 5656 §4).
type HashInput struct {
	ClientVersion string
	ServerVersion string
	ClientKexInit []byte
	ServerKexInit []byte
	HostKey       []byte
	ClientPublic  []byte
	ServerPublic  []byte
	SharedSecret  []byte
	// FiniteField encodes the public values as mpints (e, f) instead of
	// strings (Q_C, Q_S).
	FiniteField bool
}

// ExchangeHash computes H over in with a fresh digest from newHash.
func ExchangeHash(newHash HashFunc, in HashInput) []byte {
	var buf []byte
	buf = wire.AppendBytes(buf, []byte(in.ClientVersion))
	buf = wire.AppendBytes(buf, []byte(in.ServerVersion))
	buf = wire.AppendBytes(buf, in.ClientKexInit)
	buf = wire.AppendBytes(buf, in.ServerKexInit)
	buf = wire.AppendBytes(buf, in.HostKey)
	if in.FiniteField {
		buf = wire.AppendMPInt(buf, in.ClientPublic)
		buf = wire.AppendMPInt(buf, in.ServerPublic)
	} else {
		buf = wire.AppendBytes(buf, in.ClientPublic)
		buf = wire.AppendBytes(buf, in.ServerPublic)
	}
	buf = wire.AppendMPInt(buf, in.SharedSecret)

	d := newHash()
	d.Write(buf)
	security.WipeBytes(buf)
	return d.Sum(nil)
}

// Context is the state of one key exchange.
type Context struct {
	ClientVersion string
	ServerVersion string
	ClientKexInit []byte
	ServerKexInit []byte
	Algorithms    Algorithms

	crypto    ports.Crypto
	agreement ports.KeyAgreement
	newHash   HashFunc
}

// Result is a completed exchange, after the host's signature over H has
// been verified.
type Result struct {
	Algorithms   Algorithms
	HostKey      []byte
	HostKeyType  string
	SharedSecret []byte
	H            []byte
	NewHash      HashFunc
}

// NewContext starts an exchange whose client KEXINIT has been sent.
func NewContext(crypto ports.Crypto, clientVersion, serverVersion string, clientKexInit []byte) *Context {
	return &Context{
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		ClientKexInit: clientKexInit,
		crypto:        crypto,
	}
}

// HandleServerKexInit negotiates against the server's KEXINIT, generates
// the ephemeral key pair and returns the KEXDH_INIT payload. ignoreNext is
// set when the server's guessed first kex packet must be discarded.
func (c *Context) HandleServerKexInit(payload []byte, prefs Preferences, rand ports.Random) (initPayload []byte, ignoreNext bool, err error) {
	server, err := ParseKexInit(payload)
	if err != nil {
		return nil, false, err
	}
	c.ServerKexInit = append([]byte(nil), payload...)

	if c.Algorithms, err = Negotiate(prefs, server); err != nil {
		return nil, false, err
	}

	hashName, err := HashName(c.Algorithms.KEX)
	if err != nil {
		return nil, false, err
	}
	if _, err := c.crypto.NewHash(hashName); err != nil {
		return nil, false, err
	}
	crypto := c.crypto
	c.newHash = func() hash.Hash {
		// The name was accepted by the provider above.
		h, _ := crypto.NewHash(hashName)
		return h
	}

	if c.agreement, err = c.crypto.KeyExchange(c.Algorithms.KEX, rand); err != nil {
		return nil, false, err
	}

	b := wire.NewBuilder(wire.MsgKexDHInit)
	if IsFiniteField(c.Algorithms.KEX) {
		b.MPInt(c.agreement.PublicKey())
	} else {
		b.Bytes(c.agreement.PublicKey())
	}
	return b.Payload(), server.WrongGuess(c.Algorithms), nil
}

// HandleReply processes KEXDH_REPLY: it computes K and H and verifies the
// host's signature over H.
func (c *Context) HandleReply(payload []byte) (*Result, error) {
	if c.agreement == nil {
		return nil, errs.New(errs.KindProtocol, "kex reply", "KEXDH_REPLY before KEXINIT negotiation")
	}
	p, err := wire.NewMessageParser(payload, wire.MsgKexDHReply)
	if err != nil {
		return nil, err
	}
	hostKey := p.Bytes()
	var serverPublic []byte
	if IsFiniteField(c.Algorithms.KEX) {
		serverPublic = p.MPInt()
	} else {
		serverPublic = p.Bytes()
	}
	sig := p.Bytes()
	if err := p.Done("KEXDH_REPLY"); err != nil {
		return nil, err
	}

	secret, err := c.agreement.SharedSecret(serverPublic)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyExchangeFailed, "kex reply", err)
	}

	h := ExchangeHash(c.newHash, HashInput{
		ClientVersion: c.ClientVersion,
		ServerVersion: c.ServerVersion,
		ClientKexInit: c.ClientKexInit,
		ServerKexInit: c.ServerKexInit,
		HostKey:       hostKey,
		ClientPublic:  c.agreement.PublicKey(),
		ServerPublic:  serverPublic,
		SharedSecret:  secret,
		FiniteField:   IsFiniteField(c.Algorithms.KEX),
	})

	if err := VerifySignature(c.Algorithms.HostKey, hostKey, h, sig); err != nil {
		security.WipeBytes(secret)
		return nil, fmt.Errorf("verify host signature: %w", err)
	}

	return &Result{
		Algorithms:   c.Algorithms,
		HostKey:      append([]byte(nil), hostKey...),
		HostKeyType:  HostKeyType(c.Algorithms.HostKey),
		SharedSecret: secret,
		H:            h,
		NewHash:      c.newHash,
	}, nil
}

// Keys derives the session keys from r, using sessionID as the stable salt.
func (r *Result) Keys(sessionID []byte) (Keys, error) {
	return DeriveKeys(r.NewHash, r.SharedSecret, r.H, sessionID, r.Algorithms)
}

// Wipe overwrites the shared secret.
func (r *Result) Wipe() {
	security.WipeBytes(r.SharedSecret)
}
