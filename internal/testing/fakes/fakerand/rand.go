// Package fakerand provides a predictable Random for tests, so KEXINIT
// cookies and packet padding can be checked byte for byte.
package fakerand

import (
	"sync"

	"github.com/acolita/sshcore/internal/ports"
)

// Random repeats a byte sequence. Set Err to make every draw fail, as an
// exhausted entropy source would.
type Random struct {
	mu       sync.Mutex
	sequence []byte
	drawn    int

	Err error
}

// New returns a Random cycling through sequence, or through 0..255 when
// sequence is empty.
func New(sequence []byte) *Random {
	if len(sequence) == 0 {
		sequence = make([]byte, 256)
		for i := range sequence {
			sequence[i] = byte(i)
		}
	}
	return &Random{sequence: sequence}
}

// NewSequential returns 0, 1, 2, ..., 255, 0, 1, ...
func NewSequential() *Random {
	return New(nil)
}

// NewFixed cycles through b.
func NewFixed(b []byte) *Random {
	return New(b)
}

// Read fills b from the sequence.
func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return 0, r.Err
	}
	for i := range b {
		b[i] = r.sequence[r.drawn%len(r.sequence)]
		r.drawn++
	}
	return len(b), nil
}

// Drawn returns how many bytes have been read so far.
func (r *Random) Drawn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drawn
}

var _ ports.Random = (*Random)(nil)
