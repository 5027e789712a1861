package kex

import (
	"github.com/acolita/sshcore/internal/wire"
)

// KexInit is a parsed SSH_MSG_KEXINIT.
type KexInit struct {
	Cookie                    [16]byte
	KEX                       []string
	HostKey                   []string
	CipherClientToServer      []string
	CipherServerToClient      []string
	MACClientToServer         []string
	MACServerToClient         []string
	CompressionClientToServer []string
	CompressionServerToClient []string
	LanguagesClientToServer   []string
	LanguagesServerToClient   []string
	FirstKexFollows           bool
	Reserved                  uint32
}

// BuildKexInit encodes a client KEXINIT payload. The returned bytes are
// needed verbatim for the exchange hash.
func BuildKexInit(cookie [16]byte, prefs Preferences) []byte {
	return wire.NewBuilder(wire.MsgKexInit).
		Raw(cookie[:]).
		NameList(prefs.KEX).
		NameList(prefs.HostKey).
		NameList(prefs.Cipher).
		NameList(prefs.Cipher).
		NameList(prefs.MAC).
		NameList(prefs.MAC).
		NameList(prefs.Compression).
		NameList(prefs.Compression).
		NameList(nil).
		NameList(nil).
		Bool(false).
		Uint32(0).
		Payload()
}

// ParseKexInit decodes a KEXINIT payload.
func ParseKexInit(payload []byte) (*KexInit, error) {
	p, err := wire.NewMessageParser(payload, wire.MsgKexInit)
	if err != nil {
		return nil, err
	}

	k := &KexInit{}
	for i := range k.Cookie {
		k.Cookie[i] = p.Byte()
	}
	k.KEX = p.NameList()
	k.HostKey = p.NameList()
	k.CipherClientToServer = p.NameList()
	k.CipherServerToClient = p.NameList()
	k.MACClientToServer = p.NameList()
	k.MACServerToClient = p.NameList()
	k.CompressionClientToServer = p.NameList()
	k.CompressionServerToClient = p.NameList()
	k.LanguagesClientToServer = p.NameList()
	k.LanguagesServerToClient = p.NameList()
	k.FirstKexFollows = p.Bool()
	k.Reserved = p.Uint32()
	if err := p.Done("KEXINIT"); err != nil {
		return nil, err
	}
	return k, nil
}

// WrongGuess reports whether the server sent a guessed key exchange packet
// that must be ignored (RFC 4253 §7).
func (k *KexInit) WrongGuess(a Algorithms) bool {
	if !k.FirstKexFollows {
		return false
	}
	if len(k.KEX) == 0 || len(k.HostKey) == 0 {
		return true
	}
	return k.KEX[0] != a.KEX || k.HostKey[0] != a.HostKey
}
