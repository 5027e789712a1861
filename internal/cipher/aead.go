package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/binary"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/wire"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	gcmTagSize      = 16
	chachaBlockSize = 8
)

// gcmCipher is aes-gcm@openssh.com (RFC 5647 with OpenSSH naming). The
// length is additional data; the 12-byte nonce is a 4-byte fixed field and
// an 8-byte invocation counter incremented per packet.
type gcmCipher struct {
	aead stdcipher.AEAD
	iv   []byte
}

func newGCM(key, iv []byte) (*gcmCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "new cipher", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "new cipher", err)
	}
	return &gcmCipher{aead: aead, iv: append([]byte(nil), iv...)}, nil
}

func (c *gcmCipher) incIV() {
	for i := 4 + 7; i >= 4; i-- {
		c.iv[i]++
		if c.iv[i] != 0 {
			break
		}
	}
}

func (c *gcmCipher) Seal(seq uint32, payload []byte, rand ports.Random) ([]byte, error) {
	pkt, err := wire.EncodeAligned(payload, aesBlockSize, 4, rand)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, len(pkt)+gcmTagSize)
	copy(out, pkt[:4])
	out = c.aead.Seal(out, c.iv, pkt[4:], pkt[:4])
	c.incIV()
	return out, nil
}

func (c *gcmCipher) Open(seq uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, wire.ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if err := checkAligned(length, 0, aesBlockSize); err != nil {
		return nil, 0, err
	}
	end := 4 + int(length)
	total := end + gcmTagSize
	if len(buf) < total {
		return nil, 0, wire.ErrIncomplete
	}

	body, err := c.aead.Open(nil, c.iv, buf[4:total], buf[:4])
	if err != nil {
		return nil, 0, macFailure("open packet")
	}
	c.incIV()
	payload, err := wire.SplitPlain(body)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

// chachaCipher is chacha20-poly1305@openssh.com. The 64-byte key holds the
// payload key (first half) and the length key (second half); both ciphers
// use the sequence number as nonce. The Poly1305 key is the first 32 bytes
// of the payload keystream, and the payload starts at block counter 1.
type chachaCipher struct {
	contentKey [chacha20.KeySize]byte
	lengthKey  [chacha20.KeySize]byte
}

func newChaCha20Poly1305(key []byte) *chachaCipher {
	c := &chachaCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c
}

func (c *chachaCipher) streams(seq uint32) (content, length *chacha20.Cipher, polyKey [32]byte, err error) {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)

	if content, err = chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce); err != nil {
		return nil, nil, polyKey, errs.Wrap(errs.KindCrypto, "chacha20", err)
	}
	if length, err = chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce); err != nil {
		return nil, nil, polyKey, errs.Wrap(errs.KindCrypto, "chacha20", err)
	}
	var discard [32]byte
	content.XORKeyStream(polyKey[:], polyKey[:])
	content.XORKeyStream(discard[:], discard[:])
	return content, length, polyKey, nil
}

func (c *chachaCipher) Seal(seq uint32, payload []byte, rand ports.Random) ([]byte, error) {
	pkt, err := wire.EncodeAligned(payload, chachaBlockSize, 4, rand)
	if err != nil {
		return nil, err
	}
	content, length, polyKey, err := c.streams(seq)
	if err != nil {
		return nil, err
	}
	length.XORKeyStream(pkt[:4], pkt[:4])
	content.XORKeyStream(pkt[4:], pkt[4:])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, pkt, &polyKey)
	return append(pkt, tag[:]...), nil
}

func (c *chachaCipher) Open(seq uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, wire.ErrIncomplete
	}
	content, lengthStream, polyKey, err := c.streams(seq)
	if err != nil {
		return nil, 0, err
	}
	var lenBytes [4]byte
	lengthStream.XORKeyStream(lenBytes[:], buf[:4])
	length := binary.BigEndian.Uint32(lenBytes[:])
	if err := checkAligned(length, 0, chachaBlockSize); err != nil {
		return nil, 0, err
	}
	end := 4 + int(length)
	total := end + poly1305.TagSize
	if len(buf) < total {
		return nil, 0, wire.ErrIncomplete
	}

	var tag [poly1305.TagSize]byte
	copy(tag[:], buf[end:total])
	if !poly1305.Verify(&tag, buf[:end], &polyKey) {
		return nil, 0, macFailure("open packet")
	}
	body := make([]byte, length)
	content.XORKeyStream(body, buf[4:end])
	payload, err := wire.SplitPlain(body)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}
