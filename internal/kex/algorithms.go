// Package kex implements SSH-2 algorithm negotiation, the DH/ECDH key
// exchange, exchange-hash computation and session key derivation
// (RFC 4253 §7-8, RFC 5656, RFC 8731).
//
// Everything here is a pure function or a value owned by one connection;
// there is no package-level mutable state.
package kex

import (
	"github.com/acolita/sshcore/internal/errs"
)

// Preferences are the ordered algorithm lists offered in KEXINIT. The same
// cipher, MAC and compression lists are offered for both directions.
type Preferences struct {
	KEX         []string
	HostKey     []string
	Cipher      []string
	MAC         []string
	Compression []string
}

// DirectionAlgorithms are the algorithms protecting one direction of the
// stream.
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// Algorithms is the outcome of negotiation.
type Algorithms struct {
	KEX            string
	HostKey        string
	ClientToServer DirectionAlgorithms
	ServerToClient DirectionAlgorithms
}

// CipherSpec describes the key material a cipher needs.
type CipherSpec struct {
	KeySize int
	IVSize  int
	// AEAD ciphers authenticate the packet themselves; no MAC is used.
	AEAD bool
}

// MACSpec describes an HMAC algorithm.
type MACSpec struct {
	Hash    string
	KeySize int
	// ETM selects encrypt-then-MAC, where packet_length travels in clear.
	ETM bool
}

// kexHashes maps each KEX algorithm to the digest of its exchange hash.
var kexHashes = map[string]string{
	"curve25519-sha256":             "sha256",
	"curve25519-sha256@libssh.org":  "sha256",
	"ecdh-sha2-nistp256":            "sha256",
	"ecdh-sha2-nistp384":            "sha384",
	"ecdh-sha2-nistp521":            "sha512",
	"diffie-hellman-group14-sha256": "sha256",
}

var hostKeyAlgorithms = map[string]string{
	"ssh-ed25519":         "ssh-ed25519",
	"ecdsa-sha2-nistp256": "ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384": "ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521": "ecdsa-sha2-nistp521",
	"rsa-sha2-512":        "ssh-rsa",
	"rsa-sha2-256":        "ssh-rsa",
	"ssh-rsa":             "ssh-rsa",
}

var cipherSpecs = map[string]CipherSpec{
	"chacha20-poly1305@openssh.com": {KeySize: 64, IVSize: 0, AEAD: true},
	"aes256-gcm@openssh.com":        {KeySize: 32, IVSize: 12, AEAD: true},
	"aes128-gcm@openssh.com":        {KeySize: 16, IVSize: 12, AEAD: true},
	"aes256-ctr":                    {KeySize: 32, IVSize: 16},
	"aes192-ctr":                    {KeySize: 24, IVSize: 16},
	"aes128-ctr":                    {KeySize: 16, IVSize: 16},
}

var macSpecs = map[string]MACSpec{
	"hmac-sha2-256-etm@openssh.com": {Hash: "sha256", KeySize: 32, ETM: true},
	"hmac-sha2-512-etm@openssh.com": {Hash: "sha512", KeySize: 64, ETM: true},
	"hmac-sha2-256":                 {Hash: "sha256", KeySize: 32},
	"hmac-sha2-512":                 {Hash: "sha512", KeySize: 64},
}

// recognised but not implemented.
var unimplemented = map[string]bool{
	"umac-128-etm@openssh.com": true,
	"umac-64-etm@openssh.com":  true,
	"zlib@openssh.com":         true,
	"zlib":                     true,
}

// DefaultPreferences returns the default algorithm pools, strongest first.
func DefaultPreferences() Preferences {
	return Preferences{
		KEX: []string{
			"curve25519-sha256",
			"curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256",
			"ecdh-sha2-nistp384",
			"ecdh-sha2-nistp521",
			"diffie-hellman-group14-sha256",
		},
		HostKey: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
		},
		Cipher: []string{
			"chacha20-poly1305@openssh.com",
			"aes256-gcm@openssh.com",
			"aes128-gcm@openssh.com",
			"aes256-ctr",
			"aes192-ctr",
			"aes128-ctr",
		},
		MAC: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256",
			"hmac-sha2-512",
		},
		Compression: []string{"none"},
	}
}

// WithDefaults fills empty lists from DefaultPreferences.
func (p Preferences) WithDefaults() Preferences {
	d := DefaultPreferences()
	if len(p.KEX) == 0 {
		p.KEX = d.KEX
	}
	if len(p.HostKey) == 0 {
		p.HostKey = d.HostKey
	}
	if len(p.Cipher) == 0 {
		p.Cipher = d.Cipher
	}
	if len(p.MAC) == 0 {
		p.MAC = d.MAC
	}
	if len(p.Compression) == 0 {
		p.Compression = d.Compression
	}
	return p
}

// Validate reports UnsupportedAlgorithm for any name this package cannot run.
func (p Preferences) Validate() error {
	check := func(category string, names []string, known func(string) bool) error {
		for _, name := range names {
			if known(name) {
				continue
			}
			if unimplemented[name] {
				return errs.Newf(errs.KindUnsupportedAlgorithm, "validate algorithms",
					"%s algorithm %q is recognised but not implemented", category, name)
			}
			return errs.Newf(errs.KindUnsupportedAlgorithm, "validate algorithms",
				"unknown %s algorithm %q", category, name)
		}
		return nil
	}

	if err := check("kex", p.KEX, func(n string) bool { _, ok := kexHashes[n]; return ok }); err != nil {
		return err
	}
	if err := check("host key", p.HostKey, func(n string) bool { _, ok := hostKeyAlgorithms[n]; return ok }); err != nil {
		return err
	}
	if err := check("cipher", p.Cipher, func(n string) bool { _, ok := cipherSpecs[n]; return ok }); err != nil {
		return err
	}
	if err := check("mac", p.MAC, func(n string) bool { _, ok := macSpecs[n]; return ok }); err != nil {
		return err
	}
	return check("compression", p.Compression, func(n string) bool { return n == "none" })
}

// HashName returns the exchange-hash digest for a KEX algorithm.
func HashName(kexAlgorithm string) (string, error) {
	h, ok := kexHashes[kexAlgorithm]
	if !ok {
		return "", errs.Newf(errs.KindUnsupportedAlgorithm, "kex hash", "unknown kex algorithm %q", kexAlgorithm)
	}
	return h, nil
}

// IsFiniteField reports whether alg exchanges mpints (e, f) rather than
// encoded points.
func IsFiniteField(kexAlgorithm string) bool {
	return kexAlgorithm == "diffie-hellman-group14-sha256"
}

// LookupCipher returns the key sizes for a cipher name.
func LookupCipher(name string) (CipherSpec, bool) {
	s, ok := cipherSpecs[name]
	return s, ok
}

// LookupMAC returns the parameters of a MAC name.
func LookupMAC(name string) (MACSpec, bool) {
	s, ok := macSpecs[name]
	return s, ok
}

// HostKeyType returns the public key format used by a host-key signature
// algorithm, e.g. "ssh-rsa" for "rsa-sha2-256".
func HostKeyType(algorithm string) string {
	if t, ok := hostKeyAlgorithms[algorithm]; ok {
		return t
	}
	return algorithm
}

// Negotiate picks, per category, the first client preference that appears
// anywhere in the server's list. Cipher, MAC and compression are chosen
// independently for each direction. An AEAD cipher implies no MAC.
func Negotiate(client Preferences, server *KexInit) (Algorithms, error) {
	var (
		a   Algorithms
		err error
	)
	if a.KEX, err = findCommon("kex", client.KEX, server.KEX); err != nil {
		return Algorithms{}, err
	}
	if a.HostKey, err = findCommon("host key", client.HostKey, server.HostKey); err != nil {
		return Algorithms{}, err
	}
	if a.ClientToServer, err = negotiateDirection(client, server.CipherClientToServer,
		server.MACClientToServer, server.CompressionClientToServer); err != nil {
		return Algorithms{}, err
	}
	if a.ServerToClient, err = negotiateDirection(client, server.CipherServerToClient,
		server.MACServerToClient, server.CompressionServerToClient); err != nil {
		return Algorithms{}, err
	}
	return a, nil
}

func negotiateDirection(client Preferences, ciphers, macs, compressions []string) (DirectionAlgorithms, error) {
	var (
		d   DirectionAlgorithms
		err error
	)
	if d.Cipher, err = findCommon("cipher", client.Cipher, ciphers); err != nil {
		return d, err
	}
	if spec, ok := cipherSpecs[d.Cipher]; !ok || !spec.AEAD {
		if d.MAC, err = findCommon("mac", client.MAC, macs); err != nil {
			return d, err
		}
	}
	if d.Compression, err = findCommon("compression", client.Compression, compressions); err != nil {
		return d, err
	}
	return d, nil
}

func findCommon(category string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", errs.Newf(errs.KindKeyExchangeFailed, "negotiate",
		"no common algorithms for %s; client offered %v, server offered %v", category, client, server)
}
