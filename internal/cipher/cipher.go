// Package cipher applies the negotiated encryption and integrity protection
// to binary packets: none, aes-ctr with HMAC (plain or encrypt-then-MAC),
// aes-gcm@openssh.com and chacha20-poly1305@openssh.com.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/wire"
)

// PacketCipher protects one direction of the stream. Implementations keep
// per-direction state (CTR keystream position, GCM invocation counter) and
// are not safe for concurrent use.
type PacketCipher interface {
	// Seal frames payload as packet number seq and returns the bytes to
	// write, MAC or tag included.
	Seal(seq uint32, payload []byte, rand ports.Random) ([]byte, error)

	// Open extracts packet number seq from the front of buf. It returns
	// wire.ErrIncomplete until the whole packet, MAC included, is buffered.
	Open(seq uint32, buf []byte) (payload []byte, consumed int, err error)
}

// Params are the negotiated algorithms and derived keys for one direction.
type Params struct {
	Cipher string
	MAC    string
	Key    []byte
	IV     []byte
	MACKey []byte
}

// None returns the identity protection used before the first NEWKEYS.
func None() PacketCipher {
	return noneCipher{}
}

// New builds the protection for p.
func New(crypto ports.Crypto, p Params) (PacketCipher, error) {
	spec, ok := kex.LookupCipher(p.Cipher)
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "new cipher", "unknown cipher %q", p.Cipher)
	}
	if len(p.Key) != spec.KeySize || len(p.IV) != spec.IVSize {
		return nil, errs.Newf(errs.KindCrypto, "new cipher",
			"%s needs %d-byte key and %d-byte iv, got %d and %d", p.Cipher, spec.KeySize, spec.IVSize, len(p.Key), len(p.IV))
	}

	switch p.Cipher {
	case "chacha20-poly1305@openssh.com":
		return newChaCha20Poly1305(p.Key), nil
	case "aes128-gcm@openssh.com", "aes256-gcm@openssh.com":
		return newGCM(p.Key, p.IV)
	}

	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "new cipher", err)
	}
	macSpec, ok := kex.LookupMAC(p.MAC)
	if !ok {
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "new cipher", "unknown mac %q", p.MAC)
	}
	if len(p.MACKey) != macSpec.KeySize {
		return nil, errs.Newf(errs.KindCrypto, "new cipher", "%s needs %d-byte key, got %d", p.MAC, macSpec.KeySize, len(p.MACKey))
	}
	mac, err := crypto.NewHMAC(macSpec.Hash, p.MACKey)
	if err != nil {
		return nil, err
	}
	return &streamCipher{
		stream: stdcipher.NewCTR(block, p.IV),
		mac:    mac,
		etm:    macSpec.ETM,
	}, nil
}

type noneCipher struct{}

func (noneCipher) Seal(seq uint32, payload []byte, rand ports.Random) ([]byte, error) {
	return wire.Encode(payload, wire.MinBlockSize, rand)
}

func (noneCipher) Open(seq uint32, buf []byte) ([]byte, int, error) {
	return wire.Decode(buf)
}

func macFailure(op string) error {
	return errs.New(errs.KindCrypto, op, "message authentication failed")
}
