package hostkey

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/acolita/sshcore/internal/testing/fakes/fakefs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const knownHostsPath = "/home/test/.ssh/known_hosts"

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func hashedHost(t *testing.T, addr string) string {
	t.Helper()
	salt := make([]byte, sha1.Size)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(addr))
	return "|1|" + base64.StdEncoding.EncodeToString(salt) + "|" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestAddress(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"example.com", 22, "example.com"},
		{"example.com", 0, "example.com"},
		{"example.com", 2222, "[example.com]:2222"},
		{"::1", 22, "::1"},
		{"::1", 2200, "[::1]:2200"},
	}
	for _, tt := range tests {
		if got := Address(tt.host, tt.port); got != tt.want {
			t.Errorf("Address(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	got := Fingerprint([]byte("abc"))
	want := "ba:78:16:bf:8f:01:cf:ea:41:41:40:de:5d:ae:22:23:b0:03:61:a3:96:17:7a:9c:b4:10:ff:61:f2:00:15:ad"
	if got != want {
		t.Errorf("Fingerprint() = %s, want %s", got, want)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "*.com", true},
		{"example.com", "exa?ple.com", true},
		{"example.com", "*", true},
		{"example.org", "*.com", false},
		{"example.com", "example", false},
		{"a.b.example.com", "*.example.com", true},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.host, tt.pattern); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(fakefs.New(), knownHostsPath)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := s.Entries(); len(got) != 0 {
		t.Errorf("Entries() = %v, want none", got)
	}
}

func TestStore_LoadAndLookup(t *testing.T) {
	plain, wild, hashed, other, revoked := newKey(t), newKey(t), newKey(t), newKey(t), newKey(t)
	file := strings.Join([]string{
		"# managed by hand",
		"",
		knownhosts.Line([]string{"example.com", "10.0.0.1"}, plain),
		knownhosts.Line([]string{"*.internal", "!secret.internal"}, wild),
		knownhosts.Line([]string{hashedHost(t, "[hashed.example]:2222")}, hashed),
		knownhosts.Line([]string{"[other.example]:2222"}, other),
		"@revoked " + knownhosts.Line([]string{"example.com"}, revoked),
		"@cert-authority *.ca.example " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(other))),
	}, "\n") + "\n"

	fsys := fakefs.New()
	fsys.AddFile(knownHostsPath, []byte(file), 0o644)
	s := NewStore(fsys, knownHostsPath)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		host string
		port int
		want ssh.PublicKey
	}{
		{"first name", "example.com", 22, plain},
		{"second name", "10.0.0.1", 22, plain},
		{"wildcard", "db.internal", 22, wild},
		{"negated", "secret.internal", 22, nil},
		{"hashed", "hashed.example", 2222, hashed},
		{"hashed wrong port", "hashed.example", 22, nil},
		{"port", "other.example", 2222, other},
		{"port mismatch", "other.example", 22, nil},
		{"unknown", "nowhere.example", 22, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Lookup(tt.host, tt.port)
			if tt.want == nil {
				if len(got) != 0 {
					t.Errorf("Lookup() = %v, want none", got)
				}
				return
			}
			if len(got) != 1 || string(got[0].PublicKey) != string(tt.want.Marshal()) {
				t.Fatalf("Lookup() = %v, want one entry with the key", got)
			}
			if got[0].KeyType != ssh.KeyAlgoED25519 || got[0].Fingerprint != Fingerprint(tt.want.Marshal()) {
				t.Errorf("entry = %+v", got[0])
			}
		})
	}

	if !s.Revoked("example.com", 22, revoked.Marshal()) {
		t.Error("Revoked() = false for a @revoked key")
	}
	if s.Revoked("example.com", 22, plain.Marshal()) {
		t.Error("Revoked() = true for a trusted key")
	}
}

func TestStore_LoadMalformed(t *testing.T) {
	fsys := fakefs.New()
	fsys.AddFile(knownHostsPath, []byte("example.com ssh-ed25519 not-base64!!\n"), 0o644)
	if err := NewStore(fsys, knownHostsPath).Load(); err == nil {
		t.Error("Load() accepted a malformed line")
	}
}

func TestStore_AddSaveRoundTrip(t *testing.T) {
	fsys := fakefs.New()
	s := NewStore(fsys, knownHostsPath)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	first, second := newKey(t), newKey(t)
	if _, err := s.Add("example.com", 2222, first.Marshal(), now); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// Same host and key type: replaces the first key.
	entry, err := s.Add("example.com", 2222, second.Marshal(), now)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if entry.Host != "[example.com]:2222" || !entry.Added.Equal(now) {
		t.Errorf("entry = %+v", entry)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if mode, ok := fsys.Mode(knownHostsPath); !ok || mode != 0o644 {
		t.Errorf("file mode = %v, %v; want 0644", mode, ok)
	}
	if mode, ok := fsys.Mode("/home/test/.ssh"); !ok || mode != 0o700 {
		t.Errorf("dir mode = %v, %v; want 0700", mode, ok)
	}

	reloaded := NewStore(fsys, knownHostsPath)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := reloaded.Lookup("example.com", 2222)
	if len(got) != 1 || string(got[0].PublicKey) != string(second.Marshal()) {
		t.Fatalf("Lookup() after reload = %v", got)
	}
	if !got[0].Added.Equal(now) {
		t.Errorf("Added = %v, want %v", got[0].Added, now)
	}
}

func TestStore_SaveKeepsOtherLines(t *testing.T) {
	key := newKey(t)
	file := "# comment\n@cert-authority *.example " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + "\n"
	fsys := fakefs.New()
	fsys.AddFile(knownHostsPath, []byte(file), 0o600)
	s := NewStore(fsys, knownHostsPath)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("new.example", 22, newKey(t).Marshal(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	data, err := fsys.ReadFile(knownHostsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), file) {
		t.Errorf("saved file lost existing lines:\n%s", data)
	}
}

func TestStore_Remove(t *testing.T) {
	keep := newKey(t)
	file := knownhosts.Line([]string{"*.example"}, keep) + "\n"
	fsys := fakefs.New()
	fsys.AddFile(knownHostsPath, []byte(file), 0o644)
	s := NewStore(fsys, knownHostsPath)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("host.example", 22, newKey(t).Marshal(), time.Now()); err != nil {
		t.Fatal(err)
	}

	if n := s.Remove("host.example", 22); n != 1 {
		t.Errorf("Remove() = %d, want 1", n)
	}
	got := s.Lookup("host.example", 22)
	if len(got) != 1 || string(got[0].PublicKey) != string(keep.Marshal()) {
		t.Errorf("Lookup() after Remove = %v, want only the wildcard entry", got)
	}
}

func TestStore_SaveError(t *testing.T) {
	fsys := fakefs.New()
	fsys.WriteErr = errTest
	s := NewStore(fsys, knownHostsPath)
	if _, err := s.Add("example.com", 22, newKey(t).Marshal(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err == nil {
		t.Error("Save() succeeded with a failing filesystem")
	}
}
