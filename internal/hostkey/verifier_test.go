package hostkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/acolita/sshcore/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshcore/internal/testing/fakes/fakefs"
	"github.com/acolita/sshcore/internal/testing/fakes/fakeprompt"
	"golang.org/x/crypto/ssh"
)

var errTest = errors.New("test error")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storeWith returns a store trusting key for example.com:22.
func storeWith(t *testing.T, key ssh.PublicKey) (*Store, *fakefs.FS) {
	t.Helper()
	fsys := fakefs.New()
	s := NewStore(fsys, knownHostsPath)
	if key != nil {
		if _, err := s.Add("example.com", 22, key.Marshal(), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	return s, fsys
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyStrict, false},
		{"strict", PolicyStrict, false},
		{"accept-new", PolicyAcceptNew, false},
		{"accept-all", PolicyAcceptAll, false},
		{"ask", PolicyAsk, false},
		{"yes", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNewVerifier_Validation(t *testing.T) {
	store, _ := storeWith(t, nil)
	if _, err := NewVerifier(nil, PolicyStrict); err == nil {
		t.Error("strict without a store accepted")
	}
	if _, err := NewVerifier(store, PolicyAsk); err == nil {
		t.Error("ask without a prompt accepted")
	}
	if _, err := NewVerifier(store, "sometimes"); err == nil {
		t.Error("unknown policy accepted")
	}
	if _, err := NewVerifier(nil, PolicyAcceptAll); err != nil {
		t.Errorf("accept-all without a store: %v", err)
	}
	v, err := NewVerifier(store, "")
	if err != nil || v.Policy() != PolicyStrict {
		t.Errorf("empty policy = %v, %v; want strict", v, err)
	}
}

func TestVerifier_Policies(t *testing.T) {
	known := newKey(t)
	other := newKey(t)

	tests := []struct {
		name      string
		policy    Policy
		trust     bool // prompt answer
		host      string
		key       ssh.PublicKey
		wantOK    bool
		wantErr   error
		wantAdded bool
		wantAsked bool
		changed   bool
	}{
		{name: "strict known", policy: PolicyStrict, host: "example.com", key: known, wantOK: true},
		{name: "strict unknown", policy: PolicyStrict, host: "new.example", key: other, wantErr: ErrUnknownHost},
		{name: "strict changed", policy: PolicyStrict, host: "example.com", key: other, wantErr: ErrKeyChanged},
		{name: "accept-new unknown", policy: PolicyAcceptNew, host: "new.example", key: other, wantOK: true, wantAdded: true},
		{name: "accept-new changed", policy: PolicyAcceptNew, host: "example.com", key: other, wantErr: ErrKeyChanged},
		{name: "accept-all changed", policy: PolicyAcceptAll, host: "example.com", key: other, wantOK: true},
		{name: "ask known", policy: PolicyAsk, host: "example.com", key: known, wantOK: true},
		{name: "ask unknown trusted", policy: PolicyAsk, trust: true, host: "new.example", key: other, wantOK: true, wantAdded: true, wantAsked: true},
		{name: "ask unknown declined", policy: PolicyAsk, host: "new.example", key: other, wantErr: ErrDeclined, wantAsked: true},
		{name: "ask changed trusted", policy: PolicyAsk, trust: true, host: "example.com", key: other, wantOK: true, wantAdded: true, wantAsked: true, changed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, fsys := storeWith(t, known)
			prompt := fakeprompt.New(tt.trust)
			clock := fakeclock.New(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
			v, err := NewVerifier(store, tt.policy, WithPrompt(prompt), WithClock(clock), WithLogger(quietLogger()))
			if err != nil {
				t.Fatal(err)
			}

			ok, err := v.Verify(tt.host, 22, tt.key.Type(), tt.key.Marshal())
			if ok != tt.wantOK {
				t.Errorf("Verify() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("Verify() error = %v", err)
			}

			_, saved := fsys.Mode(knownHostsPath)
			if saved != tt.wantAdded {
				t.Errorf("known_hosts saved = %v, want %v", saved, tt.wantAdded)
			}
			if tt.wantAdded {
				got := store.Lookup(tt.host, 22)
				if len(got) != 1 || string(got[0].PublicKey) != string(tt.key.Marshal()) {
					t.Errorf("Lookup() after add = %v", got)
				}
				if !got[0].Added.Equal(clock.Now()) {
					t.Errorf("Added = %v, want %v", got[0].Added, clock.Now())
				}
			}

			questions := prompt.Questions()
			if (len(questions) > 0) != tt.wantAsked {
				t.Fatalf("prompt asked %d times, want asked=%v", len(questions), tt.wantAsked)
			}
			if tt.wantAsked {
				q := questions[0]
				if q.Host != tt.host || q.Port != 22 || q.KeyType != ssh.KeyAlgoED25519 || q.Changed != tt.changed {
					t.Errorf("question = %+v", q)
				}
				if q.Fingerprint != Fingerprint(tt.key.Marshal()) {
					t.Errorf("fingerprint = %s", q.Fingerprint)
				}
			}
		})
	}
}

func TestVerifier_OtherKeyTypeIsNotAChange(t *testing.T) {
	store, _ := storeWith(t, newKey(t))
	v, err := NewVerifier(store, PolicyAcceptNew, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := v.Verify("example.com", 22, ecKey.Type(), ecKey.Marshal())
	if !ok || err != nil {
		t.Errorf("Verify() = %v, %v; want the new key type accepted", ok, err)
	}
	if n := len(store.Lookup("example.com", 22)); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
}

func TestVerifier_Revoked(t *testing.T) {
	key := newKey(t)
	for _, policy := range []Policy{PolicyStrict, PolicyAcceptNew, PolicyAcceptAll, PolicyAsk} {
		t.Run(string(policy), func(t *testing.T) {
			fsys := fakefs.New()
			fsys.AddFile(knownHostsPath, []byte("@revoked * "+string(ssh.MarshalAuthorizedKey(key))), 0o644)
			store := NewStore(fsys, knownHostsPath)
			if err := store.Load(); err != nil {
				t.Fatal(err)
			}
			prompt := fakeprompt.New(true)
			v, err := NewVerifier(store, policy, WithPrompt(prompt), WithLogger(quietLogger()))
			if err != nil {
				t.Fatal(err)
			}
			ok, err := v.Verify("example.com", 22, key.Type(), key.Marshal())
			if ok || !errors.Is(err, ErrKeyRevoked) {
				t.Errorf("Verify() = %v, %v; want ErrKeyRevoked", ok, err)
			}
			if n := len(prompt.Questions()); n != 0 {
				t.Errorf("prompt asked %d times for a revoked key", n)
			}
		})
	}
}

func TestVerifier_Errors(t *testing.T) {
	key := newKey(t)

	t.Run("type mismatch", func(t *testing.T) {
		v, _ := NewVerifier(nil, PolicyAcceptAll, WithLogger(quietLogger()))
		if ok, err := v.Verify("example.com", 22, "ssh-rsa", key.Marshal()); ok || err == nil {
			t.Errorf("Verify() = %v, %v; want a type error", ok, err)
		}
	})
	t.Run("garbage key", func(t *testing.T) {
		v, _ := NewVerifier(nil, PolicyAcceptAll, WithLogger(quietLogger()))
		if ok, err := v.Verify("example.com", 22, "ssh-ed25519", []byte{1, 2, 3}); ok || err == nil {
			t.Errorf("Verify() = %v, %v; want a parse error", ok, err)
		}
	})
	t.Run("prompt error", func(t *testing.T) {
		store, _ := storeWith(t, nil)
		prompt := fakeprompt.New(true)
		prompt.Err = errTest
		v, _ := NewVerifier(store, PolicyAsk, WithPrompt(prompt), WithLogger(quietLogger()))
		if ok, err := v.Verify("example.com", 22, key.Type(), key.Marshal()); ok || !errors.Is(err, errTest) {
			t.Errorf("Verify() = %v, %v; want the prompt error", ok, err)
		}
	})
	t.Run("save error", func(t *testing.T) {
		store, fsys := storeWith(t, nil)
		fsys.WriteErr = errTest
		v, _ := NewVerifier(store, PolicyAcceptNew, WithLogger(quietLogger()))
		if ok, err := v.Verify("example.com", 22, key.Type(), key.Marshal()); ok || !errors.Is(err, errTest) {
			t.Errorf("Verify() = %v, %v; want the write error", ok, err)
		}
	})
}
