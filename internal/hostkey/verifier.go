// Package hostkey decides whether to trust a server's host key, backed by
// an OpenSSH known_hosts file.
package hostkey

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acolita/sshcore/internal/ports"
	"golang.org/x/crypto/ssh"
)

// Policy selects how unknown and changed host keys are handled.
type Policy string

const (
	// PolicyStrict trusts only keys already in known_hosts.
	PolicyStrict Policy = "strict"
	// PolicyAcceptNew records keys of unknown hosts and refuses changed keys.
	PolicyAcceptNew Policy = "accept-new"
	// PolicyAcceptAll trusts every key and records nothing.
	PolicyAcceptAll Policy = "accept-all"
	// PolicyAsk asks the user about unknown and changed keys.
	PolicyAsk Policy = "ask"
)

var (
	// ErrUnknownHost means no key is recorded for the host.
	ErrUnknownHost = errors.New("host key is not in known_hosts")
	// ErrKeyChanged means a different key of the same type is recorded.
	ErrKeyChanged = errors.New("host key does not match known_hosts")
	// ErrKeyRevoked means the key is marked @revoked.
	ErrKeyRevoked = errors.New("host key is revoked")
	// ErrDeclined means the user did not trust the key.
	ErrDeclined = errors.New("host key declined")
)

// ParsePolicy parses a policy name; empty means strict.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyStrict, nil
	case PolicyStrict, PolicyAcceptNew, PolicyAcceptAll, PolicyAsk:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q", s)
	}
}

// Verifier checks host keys against a Store according to a Policy.
type Verifier struct {
	store  *Store
	policy Policy
	prompt ports.HostKeyPrompt
	clock  ports.Clock
	log    *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPrompt sets the prompt used by PolicyAsk.
func WithPrompt(p ports.HostKeyPrompt) Option {
	return func(v *Verifier) { v.prompt = p }
}

// WithClock sets the clock that timestamps new entries.
func WithClock(c ports.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// NewVerifier returns a verifier for policy. Every policy but accept-all
// needs a store; ask also needs a prompt.
func NewVerifier(store *Store, policy Policy, opts ...Option) (*Verifier, error) {
	v := &Verifier{store: store, policy: policy, log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == "" {
		v.policy = PolicyStrict
	}
	if v.policy != PolicyAcceptAll && store == nil {
		return nil, fmt.Errorf("host key policy %s needs a known hosts store", v.policy)
	}
	if v.policy == PolicyAsk && v.prompt == nil {
		return nil, fmt.Errorf("host key policy %s needs a prompt", v.policy)
	}
	return v, nil
}

// Policy returns the verifier's policy.
func (v *Verifier) Policy() Policy { return v.policy }

// Verify reports whether key may be trusted for host and port. keyType is
// the key's format name, such as "ssh-ed25519" or "ssh-rsa". A refusal
// comes with an error naming the reason.
func (v *Verifier) Verify(host string, port int, keyType string, key []byte) (bool, error) {
	log := v.log.With(slog.String("host", Address(host, port)), slog.String("key_type", keyType), slog.String("fingerprint", Fingerprint(key)))

	pub, err := ssh.ParsePublicKey(key)
	if err != nil {
		return false, fmt.Errorf("parse host key: %w", err)
	}
	if pub.Type() != keyType {
		return false, fmt.Errorf("host key is %s, negotiated %s", pub.Type(), keyType)
	}

	// A revoked key is refused whatever the policy.
	if v.store != nil && v.store.Revoked(host, port, key) {
		log.Warn("host key is revoked")
		return false, ErrKeyRevoked
	}
	if v.policy == PolicyAcceptAll {
		log.Warn("accepting host key without verification")
		return true, nil
	}

	known, changed := v.check(host, port, keyType, key)
	if known {
		log.Debug("host key matches known_hosts")
		return true, nil
	}

	switch v.policy {
	case PolicyStrict:
		if changed {
			log.Warn("host key changed")
			return false, ErrKeyChanged
		}
		return false, ErrUnknownHost
	case PolicyAcceptNew:
		if changed {
			log.Warn("host key changed")
			return false, ErrKeyChanged
		}
	case PolicyAsk:
		trust, err := v.prompt.ConfirmHostKey(ports.HostKeyQuestion{
			Host:        host,
			Port:        port,
			KeyType:     keyType,
			Fingerprint: Fingerprint(key),
			Changed:     changed,
		})
		if err != nil {
			return false, err
		}
		if !trust {
			log.Info("host key declined")
			return false, ErrDeclined
		}
	}

	if err := v.record(host, port, key); err != nil {
		return false, err
	}
	log.Info("host key added to known_hosts", slog.String("path", v.store.Path()))
	return true, nil
}

// check reports whether key is recorded for the host, and otherwise
// whether another key of the same type is.
func (v *Verifier) check(host string, port int, keyType string, key []byte) (known, changed bool) {
	for _, e := range v.store.Lookup(host, port) {
		if bytes.Equal(e.PublicKey, key) {
			return true, false
		}
		if e.KeyType == keyType {
			changed = true
		}
	}
	return false, changed
}

func (v *Verifier) record(host string, port int, key []byte) error {
	now := time.Now()
	if v.clock != nil {
		now = v.clock.Now()
	}
	if _, err := v.store.Add(host, port, key, now); err != nil {
		return err
	}
	if err := v.store.Save(); err != nil {
		return err
	}
	return nil
}
