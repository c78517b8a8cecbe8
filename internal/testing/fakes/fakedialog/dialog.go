// Package fakedialog provides a scripted ports.Prompter for testing.
package fakedialog

import (
	"errors"
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// ErrNoAnswer is returned when a prompt has no scripted answer.
var ErrNoAnswer = errors.New("fakedialog: no scripted answer")

// Round records one keyboard-interactive round seen by the prompter.
type Round struct {
	Name        string
	Instruction string
	Challenges  []ports.Challenge
}

// Prompter answers prompts from pre-loaded values and records every call.
type Prompter struct {
	mu sync.Mutex

	// Secrets are returned by Secret in order.
	Secrets []string
	// Answers are returned by Challenges, one slice per round.
	Answers [][]string
	// TrustHostKeys is the answer to ConfirmHostKey.
	TrustHostKeys bool
	// Err, when set, is returned by every call.
	Err error

	secretTitles []string
	rounds       []Round
	hostKeys     []string
}

// New returns a prompter with no scripted answers.
func New() *Prompter {
	return &Prompter{}
}

// Secret returns the next scripted secret.
func (p *Prompter) Secret(title, description string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secretTitles = append(p.secretTitles, title)
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Secrets) == 0 {
		return "", ErrNoAnswer
	}
	s := p.Secrets[0]
	p.Secrets = p.Secrets[1:]
	return s, nil
}

// Challenges returns the next scripted round of answers.
func (p *Prompter) Challenges(name, instruction string, challenges []ports.Challenge) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rounds = append(p.rounds, Round{Name: name, Instruction: instruction, Challenges: challenges})
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Answers) == 0 {
		return nil, ErrNoAnswer
	}
	a := p.Answers[0]
	p.Answers = p.Answers[1:]
	return a, nil
}

// ConfirmHostKey records the fingerprint and returns TrustHostKeys.
func (p *Prompter) ConfirmHostKey(host, fingerprint string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostKeys = append(p.hostKeys, host+" "+fingerprint)
	if p.Err != nil {
		return false, p.Err
	}
	return p.TrustHostKeys, nil
}

// SecretTitles returns the titles passed to Secret.
func (p *Prompter) SecretTitles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.secretTitles...)
}

// Rounds returns the keyboard-interactive rounds seen so far.
func (p *Prompter) Rounds() []Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Round(nil), p.rounds...)
}

// HostKeys returns "host fingerprint" for every ConfirmHostKey call.
func (p *Prompter) HostKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hostKeys...)
}

var _ ports.Prompter = (*Prompter)(nil)
