// Package security holds helpers for key material and stored credentials.
package security

import (
	"crypto/rand"
)

// WipeBytes overwrites data with random bytes and then zeros. Session keys,
// shared secrets and passwords pass through here once they are no longer
// needed.
func WipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	rand.Read(data)
	clear(data)
}

// SecureBytes owns a copy of a secret and wipes it on demand.
type SecureBytes struct {
	data []byte
}

// NewSecureBytes creates a new SecureBytes with a copy of the data.
func NewSecureBytes(data []byte) *SecureBytes {
	d := make([]byte, len(data))
	copy(d, data)
	return &SecureBytes{data: d}
}

// Data returns the underlying byte slice.
func (sb *SecureBytes) Data() []byte {
	return sb.data
}

// String returns the secret as a string. The copy cannot be wiped.
func (sb *SecureBytes) String() string {
	return string(sb.data)
}

// Wipe destroys the secret. Later calls to Data return nil.
func (sb *SecureBytes) Wipe() {
	WipeBytes(sb.data)
	sb.data = nil
}

// Len returns the length of the data.
func (sb *SecureBytes) Len() int {
	return len(sb.data)
}
