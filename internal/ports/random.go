package ports

// Random is the entropy source for KEXINIT cookies, packet padding and
// ephemeral key generation. It must be cryptographically secure outside tests.
type Random interface {
	// Read fills b with random bytes and returns the number of bytes read.
	Read(b []byte) (n int, err error)
}
