package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindConnectionFailed, "ConnectionFailed"},
		{KindProtocol, "ProtocolError"},
		{KindAuthenticationFailed, "AuthenticationFailed"},
		{KindKeyExchangeFailed, "KeyExchangeFailed"},
		{KindUnsupportedAlgorithm, "UnsupportedAlgorithm"},
		{KindChannel, "ChannelError"},
		{KindCrypto, "CryptoError"},
		{KindInvalidData, "InvalidData"},
		{KindNetwork, "NetworkError"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindProtocol, "read packet", "bad padding")
	if got := err.Error(); got != "ProtocolError: read packet: bad padding" {
		t.Errorf("Error() = %q", got)
	}

	err = &Error{Kind: KindNetwork, Err: io.EOF}
	if got := err.Error(); got != "NetworkError: EOF" {
		t.Errorf("Error() without op = %q", got)
	}
}

func TestWrapKeepsOriginalKind(t *testing.T) {
	inner := New(KindKeyExchangeFailed, "negotiate", "no common algorithms")
	outer := Wrap(KindConnectionFailed, "connect", inner)

	if KindOf(outer) != KindKeyExchangeFailed {
		t.Errorf("KindOf(outer) = %v, want KeyExchangeFailed", KindOf(outer))
	}
	if !errors.Is(outer, inner) {
		t.Error("errors.Is(outer, inner) = false")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindNetwork, "read", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("context: %w", Wrap(KindNetwork, "read", io.ErrUnexpectedEOF))
	if !Is(err, KindNetwork) {
		t.Error("Is(err, KindNetwork) = false")
	}
	if Is(err, KindProtocol) {
		t.Error("Is(err, KindProtocol) = true")
	}
	if Is(nil, KindUnknown) {
		t.Error("Is(nil, ...) = true")
	}
	if KindOf(io.EOF) != KindUnknown {
		t.Error("KindOf(unclassified) should be KindUnknown")
	}
}
