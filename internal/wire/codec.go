package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/acolita/sshcore/internal/errs"
)

const (
	// MinPadding is the smallest padding allowed by RFC 4253 §6.
	MinPadding = 4

	// MinBlockSize is the alignment used before encryption is active.
	MinBlockSize = 8

	// MaxPacketLength bounds packet_length to reject hostile peers early.
	MaxPacketLength = 256 * 1024

	// headerLen is packet_length (4) plus padding_length (1).
	headerLen = 5
)

// ErrIncomplete is returned by Decode when more bytes are needed.
var ErrIncomplete = errors.New("incomplete packet")

// Packet is a decoded binary packet.
type Packet struct {
	Length        uint32
	PaddingLength byte
	Payload       []byte
	Padding       []byte
	MAC           []byte
}

// PaddingLength returns the padding needed so that the unit
// (4 + 1 + payloadLen + padding, less skip) is a multiple of blockSize.
// skip is 4 when packet_length is not covered by the alignment, as with
// AEAD and encrypt-then-MAC modes.
func PaddingLength(payloadLen, blockSize, skip int) int {
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	unit := headerLen + payloadLen - skip
	pad := blockSize - unit%blockSize
	if pad < MinPadding {
		pad += blockSize
	}
	return pad
}

// Encode frames payload as packet_length | padding_length | payload | padding.
// Padding bytes are drawn from rand; the MAC is appended by the caller.
func Encode(payload []byte, blockSize int, rand io.Reader) ([]byte, error) {
	return EncodeAligned(payload, blockSize, 0, rand)
}

// EncodeAligned is Encode with a configurable skip (see PaddingLength).
func EncodeAligned(payload []byte, blockSize, skip int, rand io.Reader) ([]byte, error) {
	pad := PaddingLength(len(payload), blockSize, skip)
	length := len(payload) + pad + 1
	if length > MaxPacketLength {
		return nil, errs.Newf(errs.KindProtocol, "encode packet", "packet length %d exceeds maximum", length)
	}

	out := make([]byte, 4+length)
	binary.BigEndian.PutUint32(out, uint32(length))
	out[4] = byte(pad)
	copy(out[headerLen:], payload)
	if _, err := io.ReadFull(rand, out[headerLen+len(payload):]); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "encode packet", fmt.Errorf("read padding: %w", err))
	}
	return out, nil
}

// Decode reads one unencrypted packet from the front of buf. It returns
// ErrIncomplete until 4 + packet_length bytes are buffered. On success it
// returns the payload and the number of bytes consumed.
func Decode(buf []byte) (payload []byte, consumed int, err error) {
	pkt, n, err := DecodePacket(buf)
	if err != nil {
		return nil, 0, err
	}
	return pkt.Payload, n, nil
}

// DecodePacket is Decode returning every packet field.
func DecodePacket(buf []byte) (Packet, int, error) {
	if len(buf) < headerLen {
		return Packet{}, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf)
	if err := CheckLength(length); err != nil {
		return Packet{}, 0, err
	}
	total := 4 + int(length)
	if len(buf) < total {
		return Packet{}, 0, ErrIncomplete
	}
	pad := buf[4]
	if int(pad) < MinPadding || int(pad)+1 > int(length) {
		return Packet{}, 0, errs.Newf(errs.KindProtocol, "decode packet",
			"invalid padding length %d for packet length %d", pad, length)
	}
	body := make([]byte, length-1)
	copy(body, buf[headerLen:total])
	payloadLen := int(length) - int(pad) - 1
	return Packet{
		Length:        length,
		PaddingLength: pad,
		Payload:       body[:payloadLen],
		Padding:       body[payloadLen:],
	}, total, nil
}

// CheckLength validates a packet_length field.
func CheckLength(length uint32) error {
	if length < MinPadding+1 || length > MaxPacketLength {
		return errs.Newf(errs.KindProtocol, "decode packet", "invalid packet length %d", length)
	}
	return nil
}

// SplitPlain extracts the payload from a decrypted packet body
// (padding_length | payload | padding).
func SplitPlain(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, errs.New(errs.KindProtocol, "decode packet", "empty packet body")
	}
	pad := int(body[0])
	if pad < MinPadding || pad+1 > len(body) {
		return nil, errs.Newf(errs.KindProtocol, "decode packet",
			"invalid padding length %d for body of %d bytes", pad, len(body))
	}
	return body[1 : len(body)-pad], nil
}
