package kex

import (
	"hash"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/security"
	"github.com/acolita/sshcore/internal/wire"
)

// HashFunc constructs a fresh digest.
type HashFunc func() hash.Hash

// SessionID holds the exchange hash of the first key exchange on a
// connection. It is written once and reused by every later re-key.
type SessionID struct {
	id []byte
}

// SetOnce stores h if no session id has been set and returns the id in
// effect afterwards.
func (s *SessionID) SetOnce(h []byte) []byte {
	if s.id == nil {
		s.id = append([]byte(nil), h...)
	}
	return s.id
}

// IsSet reports whether a key exchange has completed.
func (s *SessionID) IsSet() bool {
	return s.id != nil
}

// Bytes returns a copy of the session id, or nil before the first exchange.
func (s *SessionID) Bytes() []byte {
	if s.id == nil {
		return nil
	}
	return append([]byte(nil), s.id...)
}

// Keys are the six derived key materials (RFC 4253 §7.2).
type Keys struct {
	IVClientToServer  []byte // 'A'
	IVServerToClient  []byte // 'B'
	KeyClientToServer []byte // 'C'
	KeyServerToClient []byte // 'D'
	MACClientToServer []byte // 'E'
	MACServerToClient []byte // 'F'
}

// Wipe overwrites every key.
func (k *Keys) Wipe() {
	for _, b := range [][]byte{
		k.IVClientToServer, k.IVServerToClient,
		k.KeyClientToServer, k.KeyServerToClient,
		k.MACClientToServer, k.MACServerToClient,
	} {
		security.WipeBytes(b)
	}
}

// Derive computes HASH(K || H || letter || session_id) and extends it with
// HASH(K || H || K1 || ... ) until size bytes are available. K is the
// shared secret magnitude, encoded here as an mpint.
func Derive(newHash HashFunc, k, h []byte, letter byte, sessionID []byte, size int) []byte {
	if size <= 0 {
		return nil
	}
	mpK := wire.AppendMPInt(nil, k)

	d := newHash()
	d.Write(mpK)
	d.Write(h)
	d.Write([]byte{letter})
	d.Write(sessionID)
	out := d.Sum(nil)

	for len(out) < size {
		d = newHash()
		d.Write(mpK)
		d.Write(h)
		d.Write(out)
		out = d.Sum(out)
	}
	security.WipeBytes(mpK)
	return out[:size]
}

// DeriveKeys derives the key set required by the negotiated algorithms.
func DeriveKeys(newHash HashFunc, k, h, sessionID []byte, a Algorithms) (Keys, error) {
	ctos, err := directionSizes(a.ClientToServer)
	if err != nil {
		return Keys{}, err
	}
	stoc, err := directionSizes(a.ServerToClient)
	if err != nil {
		return Keys{}, err
	}

	return Keys{
		IVClientToServer:  Derive(newHash, k, h, 'A', sessionID, ctos.iv),
		IVServerToClient:  Derive(newHash, k, h, 'B', sessionID, stoc.iv),
		KeyClientToServer: Derive(newHash, k, h, 'C', sessionID, ctos.key),
		KeyServerToClient: Derive(newHash, k, h, 'D', sessionID, stoc.key),
		MACClientToServer: Derive(newHash, k, h, 'E', sessionID, ctos.mac),
		MACServerToClient: Derive(newHash, k, h, 'F', sessionID, stoc.mac),
	}, nil
}

type sizes struct{ iv, key, mac int }

func directionSizes(d DirectionAlgorithms) (sizes, error) {
	c, ok := cipherSpecs[d.Cipher]
	if !ok {
		return sizes{}, errs.Newf(errs.KindUnsupportedAlgorithm, "derive keys", "unknown cipher %q", d.Cipher)
	}
	s := sizes{iv: c.IVSize, key: c.KeySize}
	if !c.AEAD {
		m, ok := macSpecs[d.MAC]
		if !ok {
			return sizes{}, errs.Newf(errs.KindUnsupportedAlgorithm, "derive keys", "unknown mac %q", d.MAC)
		}
		s.mac = m.KeySize
	}
	return s, nil
}
