package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"hash"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/wire"
)

const aesBlockSize = 16

// streamCipher is aes-ctr with an HMAC. With etm the MAC covers
// seq || packet_length || ciphertext and the length travels in clear;
// otherwise it covers seq || plaintext packet and everything is encrypted.
type streamCipher struct {
	stream stdcipher.Stream
	mac    hash.Hash
	etm    bool

	// head is the decrypted first block of a packet whose tail has not
	// arrived yet. The keystream cannot be rewound, so it is kept.
	head []byte
}

func (c *streamCipher) computeMAC(seq uint32, data ...[]byte) []byte {
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], seq)
	c.mac.Reset()
	c.mac.Write(s[:])
	for _, d := range data {
		c.mac.Write(d)
	}
	return c.mac.Sum(nil)
}

func (c *streamCipher) Seal(seq uint32, payload []byte, rand ports.Random) ([]byte, error) {
	skip := 0
	if c.etm {
		skip = 4
	}
	pkt, err := wire.EncodeAligned(payload, aesBlockSize, skip, rand)
	if err != nil {
		return nil, err
	}

	if c.etm {
		c.stream.XORKeyStream(pkt[4:], pkt[4:])
		return append(pkt, c.computeMAC(seq, pkt)...), nil
	}
	mac := c.computeMAC(seq, pkt)
	c.stream.XORKeyStream(pkt, pkt)
	return append(pkt, mac...), nil
}

func (c *streamCipher) Open(seq uint32, buf []byte) ([]byte, int, error) {
	if c.etm {
		return c.openETM(seq, buf)
	}

	if c.head == nil {
		if len(buf) < aesBlockSize {
			return nil, 0, wire.ErrIncomplete
		}
		c.head = make([]byte, aesBlockSize)
		c.stream.XORKeyStream(c.head, buf[:aesBlockSize])
	}

	length := binary.BigEndian.Uint32(c.head)
	if err := checkAligned(length, 4, aesBlockSize); err != nil {
		return nil, 0, err
	}
	end := 4 + int(length)
	total := end + c.mac.Size()
	if len(buf) < total {
		return nil, 0, wire.ErrIncomplete
	}

	plain := make([]byte, end)
	copy(plain, c.head)
	c.stream.XORKeyStream(plain[aesBlockSize:], buf[aesBlockSize:end])
	c.head = nil

	if !hmac.Equal(c.computeMAC(seq, plain), buf[end:total]) {
		return nil, 0, macFailure("open packet")
	}
	payload, err := wire.SplitPlain(plain[4:])
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

func (c *streamCipher) openETM(seq uint32, buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, wire.ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if err := checkAligned(length, 0, aesBlockSize); err != nil {
		return nil, 0, err
	}
	end := 4 + int(length)
	total := end + c.mac.Size()
	if len(buf) < total {
		return nil, 0, wire.ErrIncomplete
	}

	if !hmac.Equal(c.computeMAC(seq, buf[:end]), buf[end:total]) {
		return nil, 0, macFailure("open packet")
	}
	body := make([]byte, length)
	c.stream.XORKeyStream(body, buf[4:end])
	payload, err := wire.SplitPlain(body)
	if err != nil {
		return nil, 0, err
	}
	return payload, total, nil
}

// checkAligned validates packet_length and that (extra + length) is a
// multiple of blockSize.
func checkAligned(length uint32, extra, blockSize int) error {
	if err := wire.CheckLength(length); err != nil {
		return err
	}
	if (extra+int(length))%blockSize != 0 {
		return errs.Newf(errs.KindProtocol, "open packet",
			"packet length %d is not aligned to the %d-byte block size", length, blockSize)
	}
	return nil
}
