package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/acolita/sshcore/internal/errs"
)

// Parser reads fields from an SSH message payload. All reads are bounds
// checked; the first failure latches and every later read returns a zero
// value. Check Err once after a sequence of reads.
type Parser struct {
	data []byte
	off  int
	err  error
}

// NewParser creates a parser over payload.
func NewParser(payload []byte) *Parser {
	return &Parser{data: payload}
}

// NewMessageParser checks that payload starts with msg and returns a parser
// positioned after the message number.
func NewMessageParser(payload []byte, msg byte) (*Parser, error) {
	if len(payload) == 0 {
		return nil, errs.New(errs.KindProtocol, "parse message", "empty payload")
	}
	if payload[0] != msg {
		return nil, errs.Newf(errs.KindProtocol, "parse message",
			"expected %s, got %s (%d)", MessageName(msg), MessageName(payload[0]), payload[0])
	}
	return &Parser{data: payload, off: 1}, nil
}

func (p *Parser) take(n int, field string) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || len(p.data)-p.off < n {
		p.err = errs.Newf(errs.KindProtocol, "parse message",
			"short read of %s at offset %d: need %d, have %d", field, p.off, n, len(p.data)-p.off)
		return nil
	}
	v := p.data[p.off : p.off+n]
	p.off += n
	return v
}

// Byte reads one byte.
func (p *Parser) Byte() byte {
	v := p.take(1, "byte")
	if v == nil {
		return 0
	}
	return v[0]
}

// Bool reads a boolean byte.
func (p *Parser) Bool() bool {
	return p.Byte() != 0
}

// Uint32 reads a big-endian uint32.
func (p *Parser) Uint32() uint32 {
	v := p.take(4, "uint32")
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// Bytes reads a length-prefixed blob. The returned slice aliases the payload.
func (p *Parser) Bytes() []byte {
	n := p.Uint32()
	if p.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(p.data)-p.off) {
		p.err = errs.Newf(errs.KindProtocol, "parse message",
			"string length %d exceeds remaining %d bytes", n, len(p.data)-p.off)
		return nil
	}
	return p.take(int(n), "string")
}

// String reads a length-prefixed string.
func (p *Parser) String() string {
	return string(p.Bytes())
}

// MPInt reads an mpint and returns its unsigned magnitude. Negative values
// are rejected.
func (p *Parser) MPInt() []byte {
	v := p.Bytes()
	if p.err != nil {
		return nil
	}
	if len(v) > 0 && v[0]&0x80 != 0 {
		p.err = errs.New(errs.KindProtocol, "parse message", "negative mpint")
		return nil
	}
	for len(v) > 0 && v[0] == 0 {
		v = v[1:]
	}
	return v
}

// NameList reads a comma-joined name list. An empty string yields nil.
func (p *Parser) NameList() []string {
	s := p.String()
	if p.err != nil || s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Rest returns every unread byte.
func (p *Parser) Rest() []byte {
	if p.err != nil {
		return nil
	}
	v := p.data[p.off:]
	p.off = len(p.data)
	return v
}

// Remaining returns the number of unread bytes.
func (p *Parser) Remaining() int {
	return len(p.data) - p.off
}

// Err returns the first read error, if any.
func (p *Parser) Err() error {
	return p.err
}

// Done returns Err, annotated with the message being parsed.
func (p *Parser) Done(what string) error {
	if p.err != nil {
		return fmt.Errorf("parse %s: %w", what, p.err)
	}
	return nil
}
