package kex

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	k := []byte{0x01, 0x02, 0x03, 0x04}
	h := bytes.Repeat([]byte{0xAA}, 32)
	sid := bytes.Repeat([]byte{0x55}, 32)

	a := Derive(sha256.New, k, h, 'C', sid, 32)
	b := Derive(sha256.New, k, h, 'C', sid, 32)
	if !bytes.Equal(a, b) {
		t.Error("identical inputs produced different keys")
	}

	letters := map[string]byte{}
	for _, letter := range []byte("ABCDEF") {
		key := string(Derive(sha256.New, k, h, letter, sid, 32))
		if prev, ok := letters[key]; ok {
			t.Errorf("letters %c and %c derived the same key", prev, letter)
		}
		letters[key] = letter
	}
}

func TestDeriveSizes(t *testing.T) {
	k := []byte{0x7f}
	h := []byte("exchange hash")
	sid := []byte("session id")

	for _, size := range []int{12, 16, 24, 32, 64, 100} {
		got := Derive(sha256.New, k, h, 'A', sid, size)
		if len(got) != size {
			t.Errorf("Derive(size=%d) len = %d", size, len(got))
		}
	}

	// Extension appends whole digests, so a longer key starts with the shorter one.
	short := Derive(sha256.New, k, h, 'D', sid, 32)
	long := Derive(sha256.New, k, h, 'D', sid, 64)
	if !bytes.Equal(long[:32], short) {
		t.Error("64-byte key does not extend the 32-byte key")
	}

	if got := Derive(sha512.New, k, h, 'E', sid, 0); got != nil {
		t.Errorf("Derive(size=0) = %x, want nil", got)
	}
}

func TestDeriveMatchesDefinition(t *testing.T) {
	k := []byte{0x80, 0x01}
	h := []byte{1, 2, 3}
	sid := []byte{9, 9}

	d := sha256.New()
	// mpint(K) gains a zero byte because the high bit is set.
	d.Write([]byte{0, 0, 0, 3, 0, 0x80, 0x01})
	d.Write(h)
	d.Write([]byte{'A'})
	d.Write(sid)
	want := d.Sum(nil)[:16]

	if got := Derive(sha256.New, k, h, 'A', sid, 16); !bytes.Equal(got, want) {
		t.Errorf("Derive() = %x, want %x", got, want)
	}
}

func TestSessionIDWriteOnce(t *testing.T) {
	var s SessionID
	if s.IsSet() || s.Bytes() != nil {
		t.Fatal("new SessionID should be empty")
	}

	first := []byte("first exchange hash")
	if got := s.SetOnce(first); !bytes.Equal(got, first) {
		t.Errorf("SetOnce(first) = %q", got)
	}
	if got := s.SetOnce([]byte("rekey exchange hash")); !bytes.Equal(got, first) {
		t.Errorf("SetOnce(second) = %q, want first id kept", got)
	}

	// Mutating the caller's slice or a returned copy must not change the id.
	first[0] = 'X'
	b := s.Bytes()
	b[1] = 'Y'
	if got := s.Bytes(); string(got) != "first exchange hash" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestRekeyReusesSessionID(t *testing.T) {
	var s SessionID
	k := []byte{0x42}
	h1 := []byte("h1")
	h2 := []byte("h2")
	a := Algorithms{
		ClientToServer: DirectionAlgorithms{Cipher: "aes128-ctr", MAC: "hmac-sha2-256"},
		ServerToClient: DirectionAlgorithms{Cipher: "aes128-ctr", MAC: "hmac-sha2-256"},
	}

	sid := s.SetOnce(h1)
	if _, err := DeriveKeys(sha256.New, k, h1, sid, a); err != nil {
		t.Fatal(err)
	}

	sid2 := s.SetOnce(h2)
	keys, err := DeriveKeys(sha256.New, k, h2, sid2, a)
	if err != nil {
		t.Fatal(err)
	}
	want := Derive(sha256.New, k, h2, 'C', h1, 16)
	if !bytes.Equal(keys.KeyClientToServer, want) {
		t.Error("re-key derivation did not use the first session id")
	}
}

func TestDeriveKeysSizes(t *testing.T) {
	a := Algorithms{
		ClientToServer: DirectionAlgorithms{Cipher: "aes256-ctr", MAC: "hmac-sha2-512-etm@openssh.com"},
		ServerToClient: DirectionAlgorithms{Cipher: "chacha20-poly1305@openssh.com"},
	}
	keys, err := DeriveKeys(sha256.New, []byte{1}, []byte{2}, []byte{3}, a)
	if err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  []byte
		want int
	}{
		{"IV c2s", keys.IVClientToServer, 16},
		{"IV s2c", keys.IVServerToClient, 0},
		{"key c2s", keys.KeyClientToServer, 32},
		{"key s2c", keys.KeyServerToClient, 64},
		{"mac c2s", keys.MACClientToServer, 64},
		{"mac s2c", keys.MACServerToClient, 0},
	}
	for _, c := range checks {
		if len(c.got) != c.want {
			t.Errorf("%s len = %d, want %d", c.name, len(c.got), c.want)
		}
	}

	keys.Wipe()
	if !bytes.Equal(keys.KeyClientToServer, make([]byte, 32)) {
		t.Error("Wipe() left key material")
	}

	if _, err := DeriveKeys(sha256.New, nil, nil, nil, Algorithms{}); err == nil {
		t.Error("expected error for empty algorithms")
	}
}
