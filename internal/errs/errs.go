// Package errs defines the error taxonomy shared by the SSH transport packages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindProtocol
	KindAuthenticationFailed
	KindKeyExchangeFailed
	KindUnsupportedAlgorithm
	KindChannel
	KindCrypto
	KindInvalidData
	KindNetwork
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindProtocol:
		return "ProtocolError"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindKeyExchangeFailed:
		return "KeyExchangeFailed"
	case KindUnsupportedAlgorithm:
		return "UnsupportedAlgorithm"
	case KindChannel:
		return "ChannelError"
	case KindCrypto:
		return "CryptoError"
	case KindInvalidData:
		return "InvalidData"
	case KindNetwork:
		return "NetworkError"
	default:
		return "Unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind   // Error classification
	Op   string // Operation that failed (e.g. "kex", "read packet")
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err returns nil. An err that is already
// classified keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
