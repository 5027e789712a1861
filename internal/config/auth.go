package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/security"
	"github.com/acolita/sshcore/internal/transport"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Auth method names accepted in AuthConfig.Methods.
const (
	MethodAgent               = "agent"
	MethodPublicKey           = "publickey"
	MethodPassword            = "password"
	MethodKeyboardInteractive = "keyboard-interactive"
)

var defaultMethods = []string{MethodAgent, MethodPublicKey, MethodPassword, MethodKeyboardInteractive}

// defaultKeys are tried when no key path is configured.
var defaultKeys = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_ecdsa",
	"~/.ssh/id_rsa",
}

func validMethod(m string) bool {
	for _, d := range defaultMethods {
		if m == d {
			return true
		}
	}
	return false
}

// SecretStore looks up stored secrets; security.KeyringStore implements it.
type SecretStore interface {
	Get(account string) ([]byte, error)
}

// Credentials turns an AuthConfig into transport auth methods.
type Credentials struct {
	FS      ports.FileSystem
	Keyring SecretStore
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// AgentDial connects to ssh-agent; it defaults to dialing SSH_AUTH_SOCK.
	AgentDial func() (net.Conn, error)

	closers []io.Closer
}

// ErrNoAuthMethods means no configured method had credentials.
var ErrNoAuthMethods = errors.New("no authentication methods available")

// AuthMethods returns the methods for h in the order they should be tried.
// Methods without credentials are skipped. Close releases the agent
// connection once authentication is over.
func (c *Credentials) AuthMethods(h HostConfig) ([]transport.AuthMethod, error) {
	methods := h.Auth.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}

	var out []transport.AuthMethod
	for _, name := range methods {
		switch name {
		case MethodAgent:
			if len(h.Auth.Methods) == 0 && !h.Auth.UseAgent {
				continue
			}
			signers, err := c.agentSigners()
			if err != nil {
				slog.Debug("ssh-agent unavailable", slog.String("error", err.Error()))
				continue
			}
			for _, s := range signers {
				out = append(out, transport.PublicKeyAuth{Signer: s})
			}

		case MethodPublicKey:
			signer, err := c.keySigner(h)
			if err != nil {
				return nil, err
			}
			if signer != nil {
				out = append(out, transport.PublicKeyAuth{Signer: signer})
			}

		case MethodPassword, MethodKeyboardInteractive:
			password, err := c.password(h)
			if err != nil {
				return nil, err
			}
			if password == "" {
				continue
			}
			if name == MethodPassword {
				out = append(out, transport.PasswordAuth{Password: password})
			} else {
				out = append(out, transport.KeyboardInteractiveAuth{Challenge: answerAll(password)})
			}
		}
	}

	if len(out) == 0 {
		return nil, ErrNoAuthMethods
	}
	return out, nil
}

// Close releases resources held by returned methods.
func (c *Credentials) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Credentials) getenv(name string) string {
	if c.Getenv != nil {
		return c.Getenv(name)
	}
	return os.Getenv(name)
}

func (c *Credentials) agentSigners() ([]ssh.Signer, error) {
	dial := c.AgentDial
	if dial == nil {
		dial = func() (net.Conn, error) {
			socket := c.getenv("SSH_AUTH_SOCK")
			if socket == "" {
				return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
			}
			return net.Dial("unix", socket)
		}
	}
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	c.closers = append(c.closers, conn)
	return signers, nil
}

// keySigner loads the configured key, or the first default key that
// exists. It returns nil without error when there is no key to load.
func (c *Credentials) keySigner(h HostConfig) (ssh.Signer, error) {
	if h.Auth.KeyPath != "" {
		return c.loadKey(h, expandPath(c.FS, h.Auth.KeyPath))
	}
	for _, p := range defaultKeys {
		path := expandPath(c.FS, p)
		if _, err := c.FS.Stat(path); err != nil {
			continue
		}
		signer, err := c.loadKey(h, path)
		if err != nil {
			slog.Debug("skipping default key", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		return signer, nil
	}
	return nil, nil
}

func (c *Credentials) loadKey(h HostConfig, path string) (ssh.Signer, error) {
	data, err := c.FS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	defer security.WipeBytes(data)

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		return signer, nil
	}

	passphrase, err := c.secret(h.Auth.PassphraseEnv, h.Auth.UseKeyring, security.PassphraseKey(path))
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, fmt.Errorf("private key %s is encrypted and no passphrase is configured", path)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func (c *Credentials) password(h HostConfig) (string, error) {
	return c.secret(h.Auth.PasswordEnv, h.Auth.UseKeyring, security.PasswordKey(h.Host, h.Port, h.User))
}

// secret reads envName first, then the keyring account.
func (c *Credentials) secret(envName string, useKeyring bool, account string) (string, error) {
	if envName != "" {
		if v := c.getenv(envName); v != "" {
			return v, nil
		}
	}
	if !useKeyring || c.Keyring == nil {
		return "", nil
	}
	v, err := c.Keyring.Get(account)
	if errors.Is(err, security.ErrKeyringUnavailable) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring: %w", err)
	}
	return string(v), nil
}

// answerAll answers every keyboard-interactive prompt with password.
func answerAll(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}
