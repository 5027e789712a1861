package ports

import "hash"

// KeyAgreement is one side of an ephemeral DH/ECDH exchange.
type KeyAgreement interface {
	// PublicKey returns the local public value: the encoded point for ECDH
	// and curve25519, the unsigned magnitude of e for finite-field DH.
	PublicKey() []byte

	// SharedSecret combines the peer's public value with the local private
	// key and returns K as an unsigned big-endian magnitude.
	SharedSecret(peerPublic []byte) ([]byte, error)
}

// Crypto is the capability set the key exchange engine consumes.
type Crypto interface {
	// KeyExchange generates an ephemeral key pair for a KEX algorithm name
	// such as "curve25519-sha256" or "ecdh-sha2-nistp384".
	KeyExchange(algorithm string, rand Random) (KeyAgreement, error)

	// NewHash returns a digest by name: "sha256", "sha384" or "sha512".
	NewHash(name string) (hash.Hash, error)

	// NewHMAC returns a keyed HMAC over the named digest.
	NewHMAC(name string, key []byte) (hash.Hash, error)
}
