package fakerand

import (
	"bytes"
	"errors"
	"testing"
)

func TestRandom_Sequences(t *testing.T) {
	tests := []struct {
		name string
		r    *Random
		n    int
		want []byte
	}{
		{"sequential", NewSequential(), 5, []byte{0, 1, 2, 3, 4}},
		{"sequential wraps", NewSequential(), 258, append(seq(256), 0, 1)},
		{"fixed cycles", NewFixed([]byte{0xAB, 0xCD}), 5, []byte{0xAB, 0xCD, 0xAB, 0xCD, 0xAB}},
		{"empty is sequential", New([]byte{}), 3, []byte{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.n)
			n, err := tt.r.Read(buf)
			if err != nil || n != tt.n {
				t.Fatalf("Read() = %d, %v", n, err)
			}
			if !bytes.Equal(buf, tt.want) {
				t.Errorf("Read() = %v, want %v", buf, tt.want)
			}
		})
	}
}

// A 16-byte cookie followed by padding continues the sequence.
func TestRandom_Drawn(t *testing.T) {
	r := NewSequential()
	cookie := make([]byte, 16)
	r.Read(cookie)
	padding := make([]byte, 4)
	r.Read(padding)

	if r.Drawn() != 20 {
		t.Errorf("Drawn() = %d, want 20", r.Drawn())
	}
	if !bytes.Equal(padding, []byte{16, 17, 18, 19}) {
		t.Errorf("padding = %v", padding)
	}
}

func TestRandom_Err(t *testing.T) {
	errDrained := errors.New("entropy source drained")
	r := NewSequential()
	r.Err = errDrained

	if n, err := r.Read(make([]byte, 8)); n != 0 || !errors.Is(err, errDrained) {
		t.Errorf("Read() = %d, %v; want the injected error", n, err)
	}
	if r.Drawn() != 0 {
		t.Errorf("Drawn() = %d after a failed read", r.Drawn())
	}
}

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
