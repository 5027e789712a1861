// Package config handles configuration parsing for sshcore.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acolita/sshcore/internal/hostkey"
	"github.com/acolita/sshcore/internal/kex"
	"github.com/acolita/sshcore/internal/ports"
	"github.com/acolita/sshcore/internal/transport"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SSHCORE_LOG_LEVEL.
const EnvPrefix = "SSHCORE"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/sshcore/config.yaml or ~/.config/sshcore/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sshcore", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Hosts     []HostConfig    `yaml:"hosts"`
	Transport TransportConfig `yaml:"transport"`
	HostKeys  HostKeyConfig   `yaml:"host_keys"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HostConfig defines an SSH server connection.
type HostConfig struct {
	Name string     `yaml:"name"`
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	User string     `yaml:"user"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Methods       []string `yaml:"methods"`        // tried in order; empty means every available method
	KeyPath       string   `yaml:"key_path"`       // private key file
	PassphraseEnv string   `yaml:"passphrase_env"` // env var containing the key passphrase
	PasswordEnv   string   `yaml:"password_env"`   // env var containing the SSH password
	UseAgent      bool     `yaml:"use_agent"`      // offer ssh-agent keys
	UseKeyring    bool     `yaml:"use_keyring"`    // look up secrets in the OS keyring
}

// TransportConfig tunes the SSH transport. Zero values take the
// transport's defaults.
type TransportConfig struct {
	ClientVersion     string          `yaml:"client_version"`
	Timeout           time.Duration   `yaml:"timeout"`
	KeepAliveInterval time.Duration   `yaml:"keepalive_interval"`
	MaxChannels       int             `yaml:"max_channels"`
	WindowSize        uint32          `yaml:"window_size"`
	MaxPacketSize     uint32          `yaml:"max_packet_size"`
	RekeyThreshold    int64           `yaml:"rekey_threshold"`
	Algorithms        AlgorithmConfig `yaml:"algorithms"`
}

// AlgorithmConfig lists algorithms in preference order.
type AlgorithmConfig struct {
	KEX         []string `yaml:"kex"`
	HostKey     []string `yaml:"host_key"`
	Cipher      []string `yaml:"cipher"`
	MAC         []string `yaml:"mac"`
	Compression []string `yaml:"compression"`
}

// HostKeyConfig defines host key verification.
type HostKeyConfig struct {
	Policy     string `yaml:"policy"`      // strict, accept-new, accept-all or ask
	KnownHosts string `yaml:"known_hosts"` // defaults to ~/.ssh/known_hosts
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// envOverrides are read from SSHCORE_* variables and win over the file.
type envOverrides struct {
	LogLevel      string         `envconfig:"LOG_LEVEL"`
	LogSanitize   *bool          `envconfig:"LOG_SANITIZE"`
	HostKeyPolicy string         `envconfig:"HOST_KEY_POLICY"`
	KnownHosts    string         `envconfig:"KNOWN_HOSTS"`
	ClientVersion string         `envconfig:"CLIENT_VERSION"`
	Timeout       time.Duration  `envconfig:"TIMEOUT"`
	KeepAlive     *time.Duration `envconfig:"KEEPALIVE_INTERVAL"`
	KEX           []string       `envconfig:"KEX"`
	Ciphers       []string       `envconfig:"CIPHERS"`
	MACs          []string       `envconfig:"MACS"`
	HostKeyAlgs   []string       `envconfig:"HOST_KEY_ALGORITHMS"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Timeout:           30 * time.Second,
			KeepAliveInterval: 30 * time.Second,
		},
		HostKeys: HostKeyConfig{
			Policy: string(hostkey.PolicyStrict),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays SSHCORE_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogSanitize != nil {
		c.Logging.Sanitize = *env.LogSanitize
	}
	if env.HostKeyPolicy != "" {
		c.HostKeys.Policy = env.HostKeyPolicy
	}
	if env.KnownHosts != "" {
		c.HostKeys.KnownHosts = env.KnownHosts
	}
	if env.ClientVersion != "" {
		c.Transport.ClientVersion = env.ClientVersion
	}
	if env.Timeout != 0 {
		c.Transport.Timeout = env.Timeout
	}
	if env.KeepAlive != nil {
		c.Transport.KeepAliveInterval = *env.KeepAlive
	}
	if len(env.KEX) > 0 {
		c.Transport.Algorithms.KEX = env.KEX
	}
	if len(env.Ciphers) > 0 {
		c.Transport.Algorithms.Cipher = env.Ciphers
	}
	if len(env.MACs) > 0 {
		c.Transport.Algorithms.MAC = env.MACs
	}
	if len(env.HostKeyAlgs) > 0 {
		c.Transport.Algorithms.HostKey = env.HostKeyAlgs
	}
	return nil
}

// Validate checks the configuration and fills defaulted fields.
func (c *Config) Validate() error {
	if _, err := hostkey.ParsePolicy(c.HostKeys.Policy); err != nil {
		return err
	}
	if err := c.Transport.Algorithms.preferences().Validate(); err != nil {
		return fmt.Errorf("algorithms: %w", err)
	}
	if c.Transport.Timeout < 0 || c.Transport.KeepAliveInterval < 0 {
		return errors.New("transport durations must not be negative")
	}

	seen := make(map[string]bool, len(c.Hosts))
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if h.Name == "" {
			return fmt.Errorf("host %d has no name", i)
		}
		if seen[h.Name] {
			return fmt.Errorf("host %q is defined twice", h.Name)
		}
		seen[h.Name] = true
		if h.Host == "" {
			return fmt.Errorf("host %q has no address", h.Name)
		}
		if h.Port == 0 {
			h.Port = 22
		}
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("host %q: port %d out of range", h.Name, h.Port)
		}
		for _, m := range h.Auth.Methods {
			if !validMethod(m) {
				return fmt.Errorf("host %q: unknown auth method %q", h.Name, m)
			}
		}
	}
	return nil
}

// AddHost adds a host to the configuration.
// Returns an error if a host with the same name already exists.
func (c *Config) AddHost(host HostConfig) error {
	for _, h := range c.Hosts {
		if h.Name == host.Name {
			return fmt.Errorf("host %q already exists", host.Name)
		}
	}
	c.Hosts = append(c.Hosts, host)
	return nil
}

// Lookup finds a host by name. A name that is not configured is parsed as
// [user@]host[:port] so ad-hoc targets work without a config entry.
func (c *Config) Lookup(target string) (HostConfig, error) {
	for _, h := range c.Hosts {
		if h.Name == target {
			return h, nil
		}
	}
	return ParseTarget(target)
}

// ParseTarget parses [user@]host[:port]; IPv6 hosts need brackets when a
// port is given.
func ParseTarget(target string) (HostConfig, error) {
	h := HostConfig{Name: target, Port: 22}
	rest := target
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		h.User, rest = rest[:at], rest[at+1:]
	}
	switch {
	case strings.HasPrefix(rest, "["):
		end := strings.Index(rest, "]")
		if end < 0 {
			return HostConfig{}, fmt.Errorf("parse target %q: missing ]", target)
		}
		h.Host = rest[1:end]
		if tail := rest[end+1:]; tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return HostConfig{}, fmt.Errorf("parse target %q: unexpected %q", target, tail)
			}
			if _, err := fmt.Sscanf(tail[1:], "%d", &h.Port); err != nil {
				return HostConfig{}, fmt.Errorf("parse target %q: bad port", target)
			}
		}
	case strings.Count(rest, ":") == 1:
		i := strings.Index(rest, ":")
		h.Host = rest[:i]
		if _, err := fmt.Sscanf(rest[i+1:], "%d", &h.Port); err != nil {
			return HostConfig{}, fmt.Errorf("parse target %q: bad port", target)
		}
	default:
		h.Host = rest
	}
	if h.Host == "" {
		return HostConfig{}, fmt.Errorf("parse target %q: no host", target)
	}
	if h.Port < 1 || h.Port > 65535 {
		return HostConfig{}, fmt.Errorf("parse target %q: port %d out of range", target, h.Port)
	}
	return h, nil
}

func (a AlgorithmConfig) preferences() kex.Preferences {
	return kex.Preferences{
		KEX:         a.KEX,
		HostKey:     a.HostKey,
		Cipher:      a.Cipher,
		MAC:         a.MAC,
		Compression: a.Compression,
	}
}

// ClientConfig builds the transport configuration for h. The caller
// supplies the host key verifier and may set the remaining ports.
func (c *Config) ClientConfig(h HostConfig, verifier transport.HostKeyVerifier) transport.ClientConfig {
	t := c.Transport
	return transport.ClientConfig{
		Host:              h.Host,
		Port:              h.Port,
		User:              h.User,
		ClientVersion:     t.ClientVersion,
		Timeout:           t.Timeout,
		KeepAliveInterval: t.KeepAliveInterval,
		Algorithms:        t.Algorithms.preferences(),
		MaxChannels:       t.MaxChannels,
		WindowSize:        t.WindowSize,
		MaxPacketSize:     t.MaxPacketSize,
		RekeyThreshold:    t.RekeyThreshold,
		HostKeyVerifier:   verifier,
	}
}

// KnownHosts opens the configured known_hosts store.
func (c *Config) KnownHosts(fsys ports.FileSystem) (*hostkey.Store, error) {
	path := c.HostKeys.KnownHosts
	if path == "" {
		p, err := hostkey.DefaultPath(fsys)
		if err != nil {
			return nil, err
		}
		path = p
	} else {
		path = expandPath(fsys, path)
	}
	store := hostkey.NewStore(fsys, path)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		if err := fsys[0].MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		return fsys[0].WriteFile(path, data, 0o600)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// expandPath expands ~ to the home directory.
func expandPath(fsys ports.FileSystem, path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := fsys.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
