package ports

// HostKeyQuestion describes an unknown or changed host key awaiting a
// decision from the user.
type HostKeyQuestion struct {
	Host        string
	Port        int
	KeyType     string
	Fingerprint string
	// Changed is true when a different key is already trusted for the host.
	Changed bool
}

// HostKeyPrompt asks a person whether to trust a host key.
// Implementations may use TUI forms or test fakes.
type HostKeyPrompt interface {
	// ConfirmHostKey returns true if the user trusts the key.
	ConfirmHostKey(q HostKeyQuestion) (bool, error)
}
