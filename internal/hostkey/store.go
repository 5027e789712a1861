package hostkey

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshcore/internal/ports"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	dirMode  fs.FileMode = 0o700
	fileMode fs.FileMode = 0o644
)

// Entry is one trusted host key.
type Entry struct {
	// Host is the host pattern as written in the file: a name, [name]:port,
	// a wildcard pattern or a hashed |1| entry.
	Host        string
	KeyType     string
	PublicKey   []byte
	Fingerprint string
	// Added is when sshcore recorded the key; zero for entries written by
	// other tools.
	Added time.Time

	revoked bool
	hosts   []string
}

// IsRevoked reports whether the entry carries the @revoked marker.
func (e Entry) IsRevoked() bool { return e.revoked }

// record is one line of the file. Lines that are not entries (comments,
// blank lines, @cert-authority) are kept verbatim.
type record struct {
	raw   string
	entry *Entry
}

// Store is a known_hosts file in OpenSSH format.
type Store struct {
	fsys ports.FileSystem
	path string

	mu      sync.RWMutex
	records []record
}

// DefaultPath returns ~/.ssh/known_hosts.
func DefaultPath(fsys ports.FileSystem) (string, error) {
	home, err := fsys.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// NewStore returns an empty store backed by path. Call Load to read it.
func NewStore(fsys ports.FileSystem, path string) *Store {
	return &Store{fsys: fsys, path: path}
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string { return s.path }

// Load replaces the store's contents with the file. A missing file is an
// empty store.
func (s *Store) Load() error {
	data, err := s.fsys.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.records = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read known hosts: %w", err)
	}

	records, err := parse(data)
	if err != nil {
		return fmt.Errorf("parse known hosts %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func parse(data []byte) ([]record, error) {
	var records []record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			records = append(records, record{raw: line})
			continue
		}
		marker, hosts, key, comment, _, err := ssh.ParseKnownHosts([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if marker != "" && marker != "revoked" {
			records = append(records, record{raw: line})
			continue
		}
		blob := key.Marshal()
		e := &Entry{
			Host:        strings.Join(hosts, ","),
			KeyType:     key.Type(),
			PublicKey:   blob,
			Fingerprint: Fingerprint(blob),
			revoked:     marker == "revoked",
			hosts:       hosts,
		}
		if t, err := time.Parse(time.RFC3339, comment); err == nil {
			e.Added = t
		}
		records = append(records, record{raw: line, entry: e})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Entries returns every entry, revoked ones included.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, r := range s.records {
		if r.entry != nil {
			out = append(out, *r.entry)
		}
	}
	return out
}

// Lookup returns the non-revoked entries matching host and port.
func (s *Store) Lookup(host string, port int) []Entry {
	addr := Address(host, port)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, r := range s.records {
		if r.entry != nil && !r.entry.revoked && matchHosts(r.entry.hosts, addr) {
			out = append(out, *r.entry)
		}
	}
	return out
}

// Revoked reports whether key is marked @revoked for host.
func (s *Store) Revoked(host string, port int, key []byte) bool {
	addr := Address(host, port)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.entry != nil && r.entry.revoked && bytes.Equal(r.entry.PublicKey, key) && matchHosts(r.entry.hosts, addr) {
			return true
		}
	}
	return false
}

// Add trusts key for host and port, replacing any entry for the same host
// with the same key type. The change is in memory until Save.
func (s *Store) Add(host string, port int, key []byte, now time.Time) (Entry, error) {
	pub, err := ssh.ParsePublicKey(key)
	if err != nil {
		return Entry{}, fmt.Errorf("parse host key: %w", err)
	}
	addr := Address(host, port)
	e := &Entry{
		Host:        addr,
		KeyType:     pub.Type(),
		PublicKey:   append([]byte(nil), key...),
		Fingerprint: Fingerprint(key),
		Added:       now.UTC().Truncate(time.Second),
		hosts:       []string{addr},
	}
	line := knownhosts.Line([]string{addr}, pub) + " " + e.Added.Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.entry != nil && !r.entry.revoked && r.entry.KeyType == e.KeyType && matchHosts(r.entry.hosts, addr) && isPlain(r.entry.hosts) {
			continue
		}
		kept = append(kept, r)
	}
	s.records = append(kept, record{raw: line, entry: e})
	return *e, nil
}

// Remove drops every plain or hashed entry naming exactly host and port
// and returns how many were removed. Wildcard patterns are left alone.
func (s *Store) Remove(host string, port int) int {
	addr := Address(host, port)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.entry != nil && !r.entry.revoked && isPlain(r.entry.hosts) && matchHosts(r.entry.hosts, addr) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed
}

// Save writes the store through a temporary file and a rename. The
// directory is created 0700 and the file written 0644.
func (s *Store) Save() error {
	s.mu.RLock()
	var buf bytes.Buffer
	for _, r := range s.records {
		buf.WriteString(r.raw)
		buf.WriteByte('\n')
	}
	s.mu.RUnlock()

	if err := s.fsys.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("create known hosts directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := s.fsys.WriteFile(tmp, buf.Bytes(), fileMode); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}
	if err := s.fsys.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace known hosts: %w", err)
	}
	return nil
}

// Address is the known_hosts form of host and port: the bare host on port
// 22, [host]:port otherwise.
func Address(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Fingerprint is the SHA-256 digest of a wire-format public key as
// colon-separated hex.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	var b strings.Builder
	for i, c := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

// isPlain reports whether hosts holds no wildcard or negated patterns.
func isPlain(hosts []string) bool {
	for _, h := range hosts {
		if strings.ContainsAny(h, "*?!") {
			return false
		}
	}
	return true
}

// matchHosts applies a comma-separated host list to addr. A negated
// pattern that matches vetoes the entry.
func matchHosts(hosts []string, addr string) bool {
	matched := false
	for _, h := range hosts {
		negate := strings.HasPrefix(h, "!")
		if negate {
			h = h[1:]
		}
		if !matchHost(h, addr) {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}

func matchHost(pattern, addr string) bool {
	if strings.HasPrefix(pattern, "|1|") {
		return matchHashed(pattern, addr)
	}
	return matchPattern(addr, pattern)
}

// matchHashed checks a |1|salt|hash entry: hash is HMAC-SHA1 of the
// address keyed with salt.
func matchHashed(pattern, addr string) bool {
	parts := strings.Split(pattern[len("|1|"):], "|")
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(addr))
	return hmac.Equal(mac.Sum(nil), want)
}

// matchPattern matches host against an OpenSSH pattern where * matches
// any sequence and ? a single character.
func matchPattern(host, pattern string) bool {
	if pattern == "*" || pattern == host {
		return true
	}
	i, j := 0, 0
	for i < len(pattern) && j < len(host) {
		switch {
		case pattern[i] == '*':
			for i < len(pattern) && pattern[i] == '*' {
				i++
			}
			if i == len(pattern) {
				return true
			}
			for ; j < len(host); j++ {
				if matchPattern(host[j:], pattern[i:]) {
					return true
				}
			}
			return false
		case pattern[i] == '?' || pattern[i] == host[j]:
			i++
			j++
		default:
			return false
		}
	}
	for i < len(pattern) && pattern[i] == '*' {
		i++
	}
	return i == len(pattern) && j == len(host)
}
