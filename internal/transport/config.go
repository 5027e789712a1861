package transport

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/acolita/sshcore/internal/adapters/realclock"
	"github.com/acolita/sshcore/internal/adapters/realcrypto"
	"github.com/acolita/sshcore/internal/adapters/realnet"
	"github.com/acolita/sshcore/internal/adapters/realrand"
	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/ports"
)

const (
	// DefaultClientVersion is sent during version exchange.
	DefaultClientVersion = "SSH-2.0-sshcore_1.0"

	// DefaultWindowSize is the initial receive window of a channel.
	DefaultWindowSize = 2 * 1024 * 1024

	// DefaultMaxPacketSize is the largest data packet a channel accepts.
	DefaultMaxPacketSize = 32 * 1024

	// DefaultMaxChannels caps concurrently open channels.
	DefaultMaxChannels = 1000

	// DefaultRekeyThreshold triggers a re-key after this many bytes in
	// either direction (RFC 4253 §9 recommends 1 GiB).
	DefaultRekeyThreshold = 1 << 30

	// maxChannelIndex bounds MaxChannels so that slot indexes fit the low
	// bits of a channel's wire id.
	maxChannelIndex = 1<<channelIndexBits - 1
)

// HostKeyVerifier decides whether to trust a server's host key. key is the
// public key blob in SSH wire format and keyType its format name, e.g.
// "ssh-ed25519" or "ssh-rsa".
type HostKeyVerifier interface {
	Verify(host string, port int, keyType string, key []byte) (bool, error)
}

// HostKeyVerifierFunc adapts a function to HostKeyVerifier.
type HostKeyVerifierFunc func(host string, port int, keyType string, key []byte) (bool, error)

// Verify calls f.
func (f HostKeyVerifierFunc) Verify(host string, port int, keyType string, key []byte) (bool, error) {
	return f(host, port, keyType, key)
}

// ClientConfig configures a connection. It is copied by New and must not be
// changed afterwards.
type ClientConfig struct {
	Host string
	Port int
	User string

	// ClientVersion is the identification string, without CR LF.
	ClientVersion string

	// Timeout bounds Connect: dialing, version exchange and the first key
	// exchange.
	Timeout time.Duration

	// KeepAliveInterval enables keepalive@openssh.com global requests once
	// authenticated. Zero disables them.
	KeepAliveInterval time.Duration

	// Algorithms are the ordered preferences; empty lists take defaults.
	Algorithms kex.Preferences

	MaxChannels    int
	WindowSize     uint32
	MaxPacketSize  uint32
	RekeyThreshold int64

	HostKeyVerifier HostKeyVerifier

	// BannerHandler receives USERAUTH_BANNER messages. It runs on the
	// connection's processing goroutine and must not block.
	BannerHandler func(message string)

	Dialer ports.NetworkDialer
	Crypto ports.Crypto
	Random ports.Random
	Clock  ports.Clock
	Logger *slog.Logger
}

// withDefaults returns a copy of cfg with zero values filled in.
func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Algorithms = cfg.Algorithms.WithDefaults()
	if cfg.MaxChannels == 0 {
		cfg.MaxChannels = DefaultMaxChannels
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.RekeyThreshold == 0 {
		cfg.RekeyThreshold = DefaultRekeyThreshold
	}
	if cfg.Dialer == nil {
		cfg.Dialer = realnet.NewDialer()
	}
	if cfg.Crypto == nil {
		cfg.Crypto = realcrypto.New()
	}
	if cfg.Random == nil {
		cfg.Random = realrand.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = realclock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (cfg ClientConfig) validate() error {
	if cfg.Host == "" {
		return errs.New(errs.KindInvalidData, "config", "host is required")
	}
	if cfg.User == "" {
		return errs.New(errs.KindInvalidData, "config", "user is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return errs.Newf(errs.KindInvalidData, "config", "port %d out of range", cfg.Port)
	}
	if cfg.HostKeyVerifier == nil {
		return errs.New(errs.KindInvalidData, "config", "host key verifier is required")
	}
	if err := checkVersion(cfg.ClientVersion); err != nil {
		return err
	}
	if cfg.MaxChannels < 1 || cfg.MaxChannels > maxChannelIndex {
		return errs.Newf(errs.KindInvalidData, "config", "max channels %d out of range 1..%d", cfg.MaxChannels, maxChannelIndex)
	}
	if cfg.MaxPacketSize > cfg.WindowSize {
		return errs.Newf(errs.KindInvalidData, "config", "max packet size %d exceeds window size %d", cfg.MaxPacketSize, cfg.WindowSize)
	}
	if cfg.Timeout < 0 || cfg.KeepAliveInterval < 0 {
		return errs.New(errs.KindInvalidData, "config", "durations must not be negative")
	}
	return cfg.Algorithms.Validate()
}

func checkVersion(v string) error {
	if !strings.HasPrefix(v, "SSH-2.0-") {
		return errs.Newf(errs.KindInvalidData, "config", "client version %q must start with SSH-2.0-", v)
	}
	if strings.ContainsAny(v, "\r\n") || len(v) > maxVersionLine-2 {
		return errs.Newf(errs.KindInvalidData, "config", "client version %q is not a single line of at most %d bytes", v, maxVersionLine-2)
	}
	return nil
}

func (cfg ClientConfig) address() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}
