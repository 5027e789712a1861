package kex

import (
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/ssh"
)

// VerifySignature checks the host's signature over the exchange hash h.
// hostKey is K_S from KEXDH_REPLY and sigBlob the encoded signature
// (string format, string blob). The signature format must be the one
// negotiated; an RSA host offering rsa-sha2-256 may not answer with ssh-rsa.
func VerifySignature(hostKeyAlgorithm string, hostKey, h, sigBlob []byte) error {
	pub, err := ssh.ParsePublicKey(hostKey)
	if err != nil {
		return errs.Wrap(errs.KindKeyExchangeFailed, "verify signature", err)
	}
	if want := HostKeyType(hostKeyAlgorithm); pub.Type() != want {
		return errs.Newf(errs.KindKeyExchangeFailed, "verify signature",
			"host key type %q does not match negotiated algorithm %q", pub.Type(), hostKeyAlgorithm)
	}

	sig, err := parseSignature(sigBlob)
	if err != nil {
		return err
	}
	if sig.Format != hostKeyAlgorithm {
		return errs.Newf(errs.KindKeyExchangeFailed, "verify signature",
			"signature format %q does not match negotiated algorithm %q", sig.Format, hostKeyAlgorithm)
	}
	if err := pub.Verify(h, sig); err != nil {
		return errs.Wrap(errs.KindKeyExchangeFailed, "verify signature", err)
	}
	return nil
}

func parseSignature(blob []byte) (*ssh.Signature, error) {
	p := wire.NewParser(blob)
	sig := &ssh.Signature{
		Format: p.String(),
		Blob:   p.Bytes(),
	}
	if err := p.Err(); err != nil {
		return nil, errs.Newf(errs.KindKeyExchangeFailed, "verify signature", "malformed signature: %v", err)
	}
	if p.Remaining() != 0 {
		return nil, errs.New(errs.KindKeyExchangeFailed, "verify signature", "trailing bytes after signature")
	}
	return sig, nil
}

// MarshalSignature encodes sig as it appears on the wire.
func MarshalSignature(sig *ssh.Signature) []byte {
	var b []byte
	b = wire.AppendBytes(b, []byte(sig.Format))
	return wire.AppendBytes(b, sig.Blob)
}
