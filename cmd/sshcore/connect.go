package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/acolita/sshcore/internal/config"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/hostkey"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/recovery"
	"github.com/acolita/sshcore/internal/security"
	"github.com/acolita/sshcore/internal/transport"
	"golang.org/x/term"
)

// secretKeeper is the part of security.KeyringStore the CLI uses.
type secretKeeper interface {
	config.SecretStore
	Store(account string, secret []byte) error
}

type app struct {
	cfg    *config.Config
	log    *slog.Logger
	fs     ports.FileSystem
	prompt ports.HostKeyPrompt
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// target is the last resolved host, for error hints.
	target recovery.Target
	// knownHosts is the store behind the last verifier.
	knownHosts *hostkey.Store

	// newKeyring opens the OS keyring; it is only called for hosts that
	// use it since probing can be slow.
	newKeyring func() secretKeeper
}

// host resolves target and fills in the local user name when none is set.
func (a *app) host(target string) (config.HostConfig, error) {
	h, err := a.cfg.Lookup(target)
	if err != nil {
		return config.HostConfig{}, err
	}
	if h.User == "" {
		h.User = a.getenv("USER")
	}
	if h.User == "" {
		return config.HostConfig{}, fmt.Errorf("no user for %s", target)
	}
	a.target = recovery.Target{Name: target, Host: h.Host, Port: h.Port}
	return h, nil
}

func (a *app) verifier() (*hostkey.Verifier, error) {
	policy, err := hostkey.ParsePolicy(a.cfg.HostKeys.Policy)
	if err != nil {
		return nil, err
	}
	store, err := a.cfg.KnownHosts(a.fs)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	a.knownHosts = store
	return hostkey.NewVerifier(store, policy,
		hostkey.WithPrompt(a.prompt),
		hostkey.WithLogger(a.log),
	)
}

// connect dials target, verifies its host key and authenticates.
func (a *app) connect(ctx context.Context, target string) (*transport.Conn, error) {
	h, err := a.host(target)
	if err != nil {
		return nil, err
	}
	verifier, err := a.verifier()
	if err != nil {
		return nil, err
	}

	cc := a.cfg.ClientConfig(h, verifier)
	cc.Logger = a.log
	cc.BannerHandler = func(message string) {
		fmt.Fprint(a.stderr, message)
	}
	conn, err := transport.New(cc)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	if err := a.authenticate(ctx, conn, h); err != nil {
		conn.Disconnect()
		return nil, err
	}
	a.log.Info("connected",
		slog.String("host", h.Host),
		slog.Int("port", h.Port),
		slog.String("user", h.User),
		slog.String("server", conn.ServerVersion()),
	)
	return conn, nil
}

// watchKnownHosts reloads known_hosts while a long session runs, so keys
// removed or added by another sshcore apply to later re-keys. The returned
// func stops watching.
func (a *app) watchKnownHosts() func() {
	if a.knownHosts == nil {
		return func() {}
	}
	w, err := a.knownHosts.Watch(nil)
	if err != nil {
		a.log.Debug("not watching known_hosts",
			slog.String("path", a.knownHosts.Path()),
			slog.String("error", err.Error()),
		)
		return func() {}
	}
	return func() { w.Close() }
}

// authenticate tries the configured methods in order and falls back to a
// password prompt when stdin is a terminal.
func (a *app) authenticate(ctx context.Context, conn *transport.Conn, h config.HostConfig) error {
	creds := &config.Credentials{FS: a.fs, Getenv: a.getenv}
	if h.Auth.UseKeyring && a.newKeyring != nil {
		creds.Keyring = a.newKeyring()
	}
	defer creds.Close()

	methods, err := creds.AuthMethods(h)
	if err != nil && !errors.Is(err, config.ErrNoAuthMethods) {
		return err
	}

	lastErr := err
	for _, m := range methods {
		err := conn.Authenticate(ctx, m)
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.KindAuthenticationFailed) {
			return err
		}
		a.log.Debug("authentication method rejected", slog.String("method", m.Name()))
		lastErr = err
	}

	password, ok, err := a.readPassword(fmt.Sprintf("%s@%s's password: ", h.User, h.Host))
	if err != nil {
		return err
	}
	if !ok {
		return lastErr
	}
	return conn.Authenticate(ctx, transport.PasswordAuth{Password: password})
}

// readPassword prompts on the terminal. ok is false when stdin is not one.
func (a *app) readPassword(prompt string) (password string, ok bool, err error) {
	f, isFile := a.stdin.(*os.File)
	if !isFile || !term.IsTerminal(int(f.Fd())) {
		return "", false, nil
	}
	fmt.Fprint(a.stderr, prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", false, fmt.Errorf("read password: %w", err)
	}
	defer security.WipeBytes(b)
	return string(b), true, nil
}

// storePassword saves a login password for target in the OS keyring. The
// password is read from the terminal, or as one line from stdin.
func (a *app) storePassword(target string) error {
	h, err := a.host(target)
	if err != nil {
		return err
	}
	password, ok, err := a.readPassword(fmt.Sprintf("password for %s@%s: ", h.User, h.Host))
	if err != nil {
		return err
	}
	if !ok {
		if password, err = readLine(a.stdin); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}
	if password == "" {
		return errors.New("empty password")
	}

	account := security.PasswordKey(h.Host, h.Port, h.User)
	if err := a.newKeyring().Store(account, []byte(password)); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "stored %s\n", account)
	return nil
}
