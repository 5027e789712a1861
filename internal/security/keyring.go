package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "sshcore"

// ErrKeyringUnavailable is returned when no OS keyring backend responds.
var ErrKeyringUnavailable = errors.New("keyring not available")

// KeyringStore keeps SSH passwords and key passphrases in the OS keyring
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	mu      sync.RWMutex
	enabled bool
}

// NewKeyringStore checks that the system keyring works. When it is unavailable the
// store is returned disabled and every lookup reports ErrKeyringUnavailable.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}

	check := "__sshcore_check__"
	if err := keyring.Set(KeyringService, check, "check"); err != nil {
		slog.Debug("keyring not available",
			slog.String("error", err.Error()),
		)
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, check)
	return ks
}

// IsEnabled returns true if the keyring is available and enabled.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled allows enabling/disabling keyring usage.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// PasswordKey is the keyring account for a login password.
func PasswordKey(host string, port int, user string) string {
	return fmt.Sprintf("password:%s@%s:%d", user, host, port)
}

// PassphraseKey is the keyring account for a private key passphrase.
func PassphraseKey(keyPath string) string {
	return "passphrase:" + keyPath
}

// Store saves secret under account.
func (ks *KeyringStore) Store(account string, secret []byte) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	if err := keyring.Set(KeyringService, account, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return fmt.Errorf("store %s: %w", account, err)
	}
	slog.Debug("stored credential in keyring", slog.String("account", account))
	return nil
}

// Get returns the secret stored under account, or nil if there is none.
func (ks *KeyringStore) Get(account string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, ErrKeyringUnavailable
	}
	encoded, err := keyring.Get(KeyringService, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", account, err)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", account, err)
	}
	return secret, nil
}

// Delete removes account. Deleting a missing entry is not an error.
func (ks *KeyringStore) Delete(account string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	err := keyring.Delete(KeyringService, account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", account, err)
	}
	return nil
}
