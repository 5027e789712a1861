// Package recovery turns connection errors into suggestions for fixing them.
package recovery

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/acolita/sshcore/internal/errs"
	"github.com/acolita/sshcore/internal/transport"
)

// Suggestion represents a recovery suggestion for an error.
type Suggestion struct {
	Error       string   // Description of the detected error
	Category    string   // host-key, algorithm, auth, network or config
	Commands    []string // Suggested commands
	Explanation string   // Why this might fix the issue
	Confidence  float64  // Confidence that this suggestion will help
	Risky       bool     // If true, the user should review before acting
}

// Target identifies the connection that failed; it fills in the
// suggested commands.
type Target struct {
	Name string // as given on the command line
	Host string
	Port int
}

func (t Target) address() string {
	if t.Port == 0 || t.Port == 22 {
		return t.Host
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Analyzer matches errors against rules.
type Analyzer struct {
	rules []recoveryRule
}

type recoveryRule struct {
	name    string
	kind    errs.Kind // KindUnknown matches any kind
	pattern *regexp.Regexp
	suggest func(err error, matches []string, t Target) *Suggestion
}

// NewAnalyzer creates an analyzer with the default rules.
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

// Analyze returns suggestions for err, most confident first.
func (a *Analyzer) Analyze(err error, t Target) []*Suggestion {
	if err == nil {
		return nil
	}
	msg := err.Error()
	kind := errs.KindOf(err)

	var suggestions []*Suggestion
	for _, rule := range a.rules {
		if rule.kind != errs.KindUnknown && rule.kind != kind {
			continue
		}
		matches := rule.pattern.FindStringSubmatch(msg)
		if matches == nil {
			continue
		}
		if s := rule.suggest(err, matches, t); s != nil {
			suggestions = append(suggestions, s)
		}
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

func defaultRules() []recoveryRule {
	return []recoveryRule{
		{
			name:    "host_key_rejected",
			kind:    errs.KindKeyExchangeFailed,
			pattern: regexp.MustCompile(regexp.QuoteMeta(transport.ReasonHostKeyRejected)),
			suggest: func(_ error, _ []string, t Target) *Suggestion {
				return &Suggestion{
					Error:    "Host key not trusted",
					Category: "host-key",
					Commands: []string{
						"sshcore hosts",
						"sshcore -policy ask exec " + t.Name + " true",
					},
					Explanation: "The server's key is unknown or differs from known_hosts. Compare the fingerprint with the server's administrator before trusting it.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "host_key_changed",
			kind:    errs.KindKeyExchangeFailed,
			pattern: regexp.MustCompile(`host key changed during re-key`),
			suggest: func(_ error, _ []string, t Target) *Suggestion {
				return &Suggestion{
					Error:       "Host key changed mid-session",
					Category:    "host-key",
					Commands:    []string{"sshcore hosts remove " + t.address()},
					Explanation: "The server presented a different key while re-keying. Only forget the old key if the change is expected.",
					Confidence:  0.6,
					Risky:       true,
				}
			},
		},
		{
			name:    "no_common_algorithm",
			kind:    errs.KindKeyExchangeFailed,
			pattern: regexp.MustCompile(`no common algorithms for ([\w-]+).*server offered \[([^\]]*)\]`),
			suggest: func(_ error, m []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "No common " + m[1] + " algorithm",
					Category:    "algorithm",
					Explanation: fmt.Sprintf("Add one of the server's algorithms (%s) to transport.algorithms in the config, if sshcore supports it.", m[2]),
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "unsupported_algorithm",
			kind:    errs.KindUnsupportedAlgorithm,
			pattern: regexp.MustCompile(`"([^"]+)"`),
			suggest: func(_ error, m []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "Unsupported algorithm " + m[1],
					Category:    "algorithm",
					Explanation: "Remove " + m[1] + " from transport.algorithms or the SSHCORE_KEX, SSHCORE_CIPHERS and SSHCORE_MACS variables.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "auth_rejected",
			kind:    errs.KindAuthenticationFailed,
			pattern: regexp.MustCompile(`.`),
			suggest: authSuggestion,
		},
		{
			name:    "no_auth_methods",
			pattern: regexp.MustCompile(`no authentication methods available`),
			suggest: func(_ error, _ []string, t Target) *Suggestion {
				return &Suggestion{
					Error:       "No credentials",
					Category:    "auth",
					Commands:    []string{"sshcore keyring set " + t.Name},
					Explanation: "Configure auth.key_path, auth.password_env or auth.use_agent for the host, or store a password and set auth.use_keyring.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "encrypted_key",
			pattern: regexp.MustCompile(`private key (\S+) is encrypted`),
			suggest: func(_ error, m []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "Encrypted private key",
					Category:    "auth",
					Explanation: "Set auth.passphrase_env to a variable holding the passphrase for " + m[1] + ", or enable auth.use_keyring.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "connection_refused",
			pattern: regexp.MustCompile(`(?i)connection refused`),
			suggest: func(_ error, _ []string, t Target) *Suggestion {
				return &Suggestion{
					Error:       "Connection refused",
					Category:    "network",
					Explanation: fmt.Sprintf("Nothing is listening on %s. Check the host and port, and that sshd is running.", t.address()),
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "no_such_host",
			pattern: regexp.MustCompile(`(?i)no such host`),
			suggest: func(_ error, _ []string, t Target) *Suggestion {
				return &Suggestion{
					Error:       "Unknown host name",
					Category:    "network",
					Explanation: t.Host + " does not resolve. Check the spelling or the host entry in the config.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "timeout",
			pattern: regexp.MustCompile(`(?i)i/o timeout|deadline exceeded`),
			suggest: func(_ error, _ []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "Timed out",
					Category:    "network",
					Commands:    []string{"SSHCORE_TIMEOUT=60s sshcore ..."},
					Explanation: "The server did not answer in time. Check connectivity or raise transport.timeout.",
					Confidence:  0.6,
				}
			},
		},
		{
			name:    "keepalive",
			kind:    errs.KindNetwork,
			pattern: regexp.MustCompile(`no answer to \d+ keepalives`),
			suggest: func(_ error, _ []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "Server stopped answering",
					Category:    "network",
					Explanation: "Keep-alives went unanswered and the connection was dropped. Raise transport.keepalive_interval on slow links.",
					Confidence:  0.5,
				}
			},
		},
		{
			name:    "server_disconnect",
			pattern: regexp.MustCompile(`disconnected by server: (.*) \(code (\d+)\)`),
			suggest: func(_ error, m []string, _ Target) *Suggestion {
				return &Suggestion{
					Error:       "Disconnected by server",
					Category:    "network",
					Explanation: fmt.Sprintf("The server closed the connection (code %s): %s. Its logs will say more.", m[2], m[1]),
					Confidence:  0.4,
				}
			},
		},
	}
}

func authSuggestion(err error, _ []string, t Target) *Suggestion {
	var failure *transport.AuthFailure
	if !errors.As(err, &failure) {
		return nil
	}
	s := &Suggestion{
		Error:      "Authentication rejected",
		Category:   "auth",
		Confidence: 0.7,
	}
	var hints []string
	for _, m := range failure.Methods {
		switch m {
		case "publickey":
			hints = append(hints, "configure auth.key_path or auth.use_agent")
		case "password", "keyboard-interactive":
			if len(s.Commands) == 0 {
				s.Commands = append(s.Commands, "sshcore keyring set "+t.Name)
			}
			hints = append(hints, "check the password for "+m)
		}
	}
	s.Explanation = "The server accepts " + strings.Join(failure.Methods, ", ") + "."
	if len(hints) > 0 {
		s.Explanation += " Try to " + strings.Join(hints, "; ") + "."
	}
	if failure.PartialSuccess {
		s.Explanation += " A further method is required after the one that succeeded."
	}
	return s
}

// Format renders suggestions for a terminal.
func Format(suggestions []*Suggestion) string {
	var b strings.Builder
	for _, s := range suggestions {
		fmt.Fprintf(&b, "hint: %s. %s\n", s.Error, s.Explanation)
		for _, c := range s.Commands {
			fmt.Fprintf(&b, "  $ %s\n", c)
		}
	}
	return b.String()
}
