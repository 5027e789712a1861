package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
)

// Builder assembles an SSH message payload.
type Builder struct {
	buf []byte
}

// NewBuilder starts a payload with the given message number.
func NewBuilder(msg byte) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, msg)
	return b
}

// Byte appends a single byte.
func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// Bool appends a boolean as one byte.
func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Byte(1)
	}
	return b.Byte(0)
}

// Uint32 appends a big-endian uint32.
func (b *Builder) Uint32(v uint32) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// String appends a length-prefixed UTF-8 string.
func (b *Builder) String(s string) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Bytes appends a length-prefixed opaque blob.
func (b *Builder) Bytes(v []byte) *Builder {
	b.buf = AppendBytes(b.buf, v)
	return b
}

// MPInt appends a big-endian two's complement multiple precision integer
// built from an unsigned magnitude.
func (b *Builder) MPInt(magnitude []byte) *Builder {
	b.buf = AppendMPInt(b.buf, magnitude)
	return b
}

// BigInt appends a non-negative big.Int as an mpint.
func (b *Builder) BigInt(v *big.Int) *Builder {
	return b.MPInt(v.Bytes())
}

// NameList appends a comma-joined name list.
func (b *Builder) NameList(names []string) *Builder {
	return b.String(strings.Join(names, ","))
}

// Raw appends bytes without a length prefix.
func (b *Builder) Raw(v []byte) *Builder {
	b.buf = append(b.buf, v...)
	return b
}

// Payload returns the assembled payload.
func (b *Builder) Payload() []byte {
	return b.buf
}

// AppendBytes appends v to dst as a length-prefixed string.
func AppendBytes(dst, v []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(v)))
	return append(dst, v...)
}

// AppendMPInt appends an unsigned big-endian magnitude to dst in mpint form:
// leading zeros are stripped and a zero byte is prepended when the high bit
// is set.
func AppendMPInt(dst, magnitude []byte) []byte {
	for len(magnitude) > 0 && magnitude[0] == 0 {
		magnitude = magnitude[1:]
	}
	if len(magnitude) > 0 && magnitude[0]&0x80 != 0 {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(magnitude)+1))
		dst = append(dst, 0)
		return append(dst, magnitude...)
	}
	return AppendBytes(dst, magnitude)
}
