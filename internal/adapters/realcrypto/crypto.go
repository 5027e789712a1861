// Package realcrypto provides the production Crypto capability: ephemeral
// key agreement, SHA-2 digests and HMAC.
package realcrypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/ports"
	"golang.org/x/crypto/curve25519"
)

// Provider implements ports.Crypto.
type Provider struct{}

// New returns a new crypto provider.
func New() *Provider {
	return &Provider{}
}

// KeyExchange generates an ephemeral key pair for the named KEX algorithm.
func (p *Provider) KeyExchange(algorithm string, rand ports.Random) (ports.KeyAgreement, error) {
	switch algorithm {
	case "curve25519-sha256", "curve25519-sha256@libssh.org":
		return newCurve25519(rand)
	case "ecdh-sha2-nistp256":
		return newNIST(ecdh.P256(), rand)
	case "ecdh-sha2-nistp384":
		return newNIST(ecdh.P384(), rand)
	case "ecdh-sha2-nistp521":
		return newNIST(ecdh.P521(), rand)
	case "diffie-hellman-group14-sha256":
		return newDHGroup14(rand)
	default:
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "key exchange", "unsupported kex algorithm %q", algorithm)
	}
}

// NewHash returns a digest by name.
func (p *Provider) NewHash(name string) (hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "hash", "unsupported digest %q", name)
	}
}

// NewHMAC returns an HMAC keyed with key over the named digest.
func (p *Provider) NewHMAC(name string, key []byte) (hash.Hash, error) {
	switch name {
	case "sha256":
		return hmac.New(sha256.New, key), nil
	case "sha512":
		return hmac.New(sha512.New, key), nil
	default:
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "hmac", "unsupported hmac digest %q", name)
	}
}

type curve25519Agreement struct {
	private [32]byte
	public  []byte
}

func newCurve25519(rand io.Reader) (*curve25519Agreement, error) {
	a := &curve25519Agreement{}
	if _, err := io.ReadFull(rand, a.private[:]); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "curve25519 keygen", err)
	}
	pub, err := curve25519.X25519(a.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "curve25519 keygen", err)
	}
	a.public = pub
	return a, nil
}

func (a *curve25519Agreement) PublicKey() []byte { return a.public }

func (a *curve25519Agreement) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != 32 {
		return nil, errs.Newf(errs.KindKeyExchangeFailed, "curve25519", "peer public key has %d bytes", len(peer))
	}
	secret, err := curve25519.X25519(a.private[:], peer)
	if err != nil {
		// X25519 rejects low-order points that produce an all-zero secret.
		return nil, errs.Wrap(errs.KindKeyExchangeFailed, "curve25519", err)
	}
	return secret, nil
}

type nistAgreement struct {
	curve   ecdh.Curve
	private *ecdh.PrivateKey
}

func newNIST(curve ecdh.Curve, rand io.Reader) (*nistAgreement, error) {
	priv, err := curve.GenerateKey(rand)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "ecdh keygen", err)
	}
	return &nistAgreement{curve: curve, private: priv}, nil
}

func (a *nistAgreement) PublicKey() []byte { return a.private.PublicKey().Bytes() }

func (a *nistAgreement) SharedSecret(peer []byte) ([]byte, error) {
	pub, err := a.curve.NewPublicKey(peer)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyExchangeFailed, "ecdh", fmt.Errorf("invalid peer public key: %w", err))
	}
	secret, err := a.private.ECDH(pub)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyExchangeFailed, "ecdh", err)
	}
	return secret, nil
}

// group14Prime is the 2048-bit MODP group from RFC 3526 §3.
var group14Prime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05"+
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB"+
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718"+
		"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

type dhAgreement struct {
	x, e *big.Int
}

func newDHGroup14(rand io.Reader) (*dhAgreement, error) {
	// A 512-bit exponent exceeds twice the group's 112-bit security level.
	buf := make([]byte, 64)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "dh keygen", err)
	}
	x := new(big.Int).SetBytes(buf)
	if x.Cmp(bigOne) <= 0 {
		x.Add(x, bigTwo)
	}
	e := new(big.Int).Exp(bigTwo, x, group14Prime)
	return &dhAgreement{x: x, e: e}, nil
}

func (a *dhAgreement) PublicKey() []byte { return a.e.Bytes() }

func (a *dhAgreement) SharedSecret(peer []byte) ([]byte, error) {
	f := new(big.Int).SetBytes(peer)
	pMinus1 := new(big.Int).Sub(group14Prime, bigOne)
	if f.Cmp(bigOne) <= 0 || f.Cmp(pMinus1) >= 0 {
		return nil, errs.New(errs.KindKeyExchangeFailed, "dh", "peer public value out of range")
	}
	k := new(big.Int).Exp(f, a.x, group14Prime)
	if subtle.ConstantTimeCompare(k.Bytes(), bigOne.Bytes()) == 1 {
		return nil, errs.New(errs.KindKeyExchangeFailed, "dh", "degenerate shared secret")
	}
	return k.Bytes(), nil
}

// Ensure Provider implements ports.Crypto.
var _ ports.Crypto = (*Provider)(nil)
