// Package realdialog provides a TUI-based HostKeyPrompt using charmbracelet/huh.
//
// The prompt runs on the controlling terminal before the SSH session is put
// into raw mode, so it must only be used from the CLI, never from library code.
package realdialog

import (
	"fmt"

	"github.com/acolita/sshcore/internal/ports"
	"github.com/charmbracelet/huh"
)

// Provider implements ports.HostKeyPrompt with an interactive confirm form.
type Provider struct {
	// Accessible switches huh to its screen-reader friendly mode.
	Accessible bool
}

// New returns a new TUI dialog provider.
func New() *Provider {
	return &Provider{}
}

// ConfirmHostKey shows the host key fingerprint and asks whether to trust it.
func (p *Provider) ConfirmHostKey(q ports.HostKeyQuestion) (bool, error) {
	var trust bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(title(q)).
				Description(describe(q)),
			huh.NewConfirm().
				Title("Trust this host key and continue connecting?").
				Affirmative("Trust").
				Negative("Abort").
				Value(&trust),
		),
	).WithAccessible(p.Accessible)

	if err := form.Run(); err != nil {
		return false, fmt.Errorf("host key prompt: %w", err)
	}
	return trust, nil
}

func title(q ports.HostKeyQuestion) string {
	if q.Changed {
		return "WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED"
	}
	return "Unknown host key"
}

func describe(q ports.HostKeyQuestion) string {
	target := q.Host
	if q.Port != 0 && q.Port != 22 {
		target = fmt.Sprintf("[%s]:%d", q.Host, q.Port)
	}
	msg := fmt.Sprintf("Host: %s\nKey type: %s\nSHA256 fingerprint:\n  %s", target, q.KeyType, q.Fingerprint)
	if q.Changed {
		msg += "\n\nThe key differs from the one recorded in known_hosts.\nSomeone could be eavesdropping on you right now."
	}
	return msg
}

// Ensure Provider implements ports.HostKeyPrompt.
var _ ports.HostKeyPrompt = (*Provider)(nil)
