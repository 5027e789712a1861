package recovery

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/transport"
)

var target = Target{Name: "prod", Host: "db.example", Port: 2222}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory string
		wantInError  string
		wantCommand  string
	}{
		{
			name:         "host key rejected",
			err:          errs.New(errs.KindKeyExchangeFailed, "verify host key", transport.ReasonHostKeyRejected),
			wantCategory: "host-key",
			wantCommand:  "sshcore -policy ask exec prod true",
		},
		{
			name:         "host key changed on rekey",
			err:          errs.New(errs.KindKeyExchangeFailed, "rekey", "host key changed during re-key"),
			wantCategory: "host-key",
			wantCommand:  "sshcore hosts remove db.example:2222",
		},
		{
			name: "no common algorithm",
			err: errs.Newf(errs.KindKeyExchangeFailed, "negotiate",
				"no common algorithms for cipher; client offered %v, server offered %v",
				[]string{"aes128-ctr"}, []string{"3des-cbc", "aes256-cbc"}),
			wantCategory: "algorithm",
			wantInError:  "cipher",
		},
		{
			name:         "unsupported algorithm",
			err:          errs.Newf(errs.KindUnsupportedAlgorithm, "validate algorithms", "mac algorithm %q is recognised but not implemented", "umac-128-etm@openssh.com"),
			wantCategory: "algorithm",
			wantInError:  "umac-128-etm@openssh.com",
		},
		{
			name:         "no credentials",
			err:          fmt.Errorf("auth: %w", errors.New("no authentication methods available")),
			wantCategory: "auth",
			wantCommand:  "sshcore keyring set prod",
		},
		{
			name:         "encrypted key",
			err:          errors.New("private key /home/u/.ssh/id_ed25519 is encrypted and no passphrase is configured"),
			wantCategory: "auth",
		},
		{
			name:         "refused",
			err:          errs.Wrap(errs.KindConnectionFailed, "connect", errors.New("ssh dial db.example:2222: dial tcp: connect: connection refused")),
			wantCategory: "network",
		},
		{
			name:         "no such host",
			err:          errs.Wrap(errs.KindConnectionFailed, "connect", errors.New("dial tcp: lookup db.example: no such host")),
			wantCategory: "network",
		},
		{
			name:         "timeout",
			err:          errs.Wrap(errs.KindConnectionFailed, "connect", errors.New("context deadline exceeded")),
			wantCategory: "network",
		},
		{
			name:         "keepalive",
			err:          errs.Newf(errs.KindNetwork, "keepalive", "no answer to %d keepalives", 3),
			wantCategory: "network",
		},
		{
			name:         "server disconnect",
			err:          errs.Newf(errs.KindConnectionFailed, "disconnect", "disconnected by server: %s (code %d)", "too many sessions", 2),
			wantCategory: "network",
		},
	}

	a := NewAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Analyze(tt.err, target)
			if len(got) == 0 {
				t.Fatalf("Analyze(%v) returned no suggestions", tt.err)
			}
			top := got[0]
			if top.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", top.Category, tt.wantCategory)
			}
			if tt.wantInError != "" && !strings.Contains(top.Error, tt.wantInError) {
				t.Errorf("Error = %q, want it to mention %q", top.Error, tt.wantInError)
			}
			if tt.wantCommand != "" {
				found := false
				for _, c := range top.Commands {
					found = found || c == tt.wantCommand
				}
				if !found {
					t.Errorf("commands = %q, want %q", top.Commands, tt.wantCommand)
				}
			}
		})
	}
}

func TestAnalyze_AuthFailure(t *testing.T) {
	failure := &transport.AuthFailure{Methods: []string{"publickey", "password"}, PartialSuccess: true}
	err := errs.Wrap(errs.KindAuthenticationFailed, "authenticate", failure)

	got := NewAnalyzer().Analyze(err, target)
	if len(got) != 1 {
		t.Fatalf("suggestions = %d, want 1", len(got))
	}
	s := got[0]
	for _, want := range []string{"publickey, password", "auth.key_path", "further method"} {
		if !strings.Contains(s.Explanation, want) {
			t.Errorf("Explanation = %q, want %q", s.Explanation, want)
		}
	}
	if len(s.Commands) != 1 || s.Commands[0] != "sshcore keyring set prod" {
		t.Errorf("Commands = %q", s.Commands)
	}

	// Without the server's method list there is nothing to say.
	plain := errs.New(errs.KindAuthenticationFailed, "authenticate", "rejected")
	if got := NewAnalyzer().Analyze(plain, target); len(got) != 0 {
		t.Errorf("Analyze() = %v, want none", got)
	}
}

func TestAnalyze_NoMatch(t *testing.T) {
	a := NewAnalyzer()
	if got := a.Analyze(nil, target); got != nil {
		t.Errorf("Analyze(nil) = %v", got)
	}
	if got := a.Analyze(errors.New("something else"), target); len(got) != 0 {
		t.Errorf("Analyze() = %v, want none", got)
	}
	// Kind-scoped rules ignore other kinds.
	err := errs.New(errs.KindChannel, "open", transport.ReasonHostKeyRejected)
	if got := a.Analyze(err, target); len(got) != 0 {
		t.Errorf("Analyze() = %v, want none", got)
	}
}

func TestAnalyze_SortedByConfidence(t *testing.T) {
	err := errs.Wrap(errs.KindConnectionFailed, "connect",
		errors.New("dial: connection refused after context deadline exceeded"))
	got := NewAnalyzer().Analyze(err, target)
	if len(got) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(got))
	}
	if got[0].Confidence < got[1].Confidence {
		t.Errorf("not sorted: %v then %v", got[0].Confidence, got[1].Confidence)
	}
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		t    Target
		want string
	}{
		{Target{Host: "h"}, "h"},
		{Target{Host: "h", Port: 22}, "h"},
		{Target{Host: "h", Port: 2200}, "h:2200"},
	}
	for _, tt := range tests {
		if got := tt.t.address(); got != tt.want {
			t.Errorf("address(%+v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	out := Format([]*Suggestion{{
		Error:       "Connection refused",
		Explanation: "Check sshd.",
		Commands:    []string{"systemctl status sshd"},
	}})
	want := "hint: Connection refused. Check sshd.\n  $ systemctl status sshd\n"
	if out != want {
		t.Errorf("Format() = %q, want %q", out, want)
	}
}
