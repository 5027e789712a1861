// Package fakeprompt provides a test fake for ports.HostKeyPrompt.
package fakeprompt

import (
	"sync"

	"github.com/acolita/sshcore/internal/ports"
)

// Prompt is a controllable fake HostKeyPrompt for testing.
type Prompt struct {
	// Trust is the answer returned by ConfirmHostKey.
	Trust bool
	// Err is the error returned by ConfirmHostKey.
	Err error

	mu        sync.Mutex
	questions []ports.HostKeyQuestion
}

// New returns a fake prompt that answers trust.
func New(trust bool) *Prompt {
	return &Prompt{Trust: trust}
}

// ConfirmHostKey records q and returns the pre-configured Trust and Err.
func (p *Prompt) ConfirmHostKey(q ports.HostKeyQuestion) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questions = append(p.questions, q)
	if p.Err != nil {
		return false, p.Err
	}
	return p.Trust, nil
}

// Questions returns every question asked so far.
func (p *Prompt) Questions() []ports.HostKeyQuestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.HostKeyQuestion(nil), p.questions...)
}

// Ensure Prompt implements ports.HostKeyPrompt.
var _ ports.HostKeyPrompt = (*Prompt)(nil)
