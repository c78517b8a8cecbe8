// Package realdialog implements ports.Prompter with charmbracelet/huh
// forms. Terminal prompts on the controlling terminal; Window runs the
// form in a new terminal window for processes whose stdio is taken, such
// as an MCP server.
package realdialog

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/acolita/sshkit/internal/ports"
)

// ErrAborted is returned when the user cancels a prompt.
var ErrAborted = errors.New("prompt aborted")

type requestKind string

const (
	kindSecret     requestKind = "secret"
	kindChallenges requestKind = "challenges"
	kindHostKey    requestKind = "hostkey"
)

// request is one prompt, serializable so Window can hand it to a helper
// process.
type request struct {
	Kind        requestKind       `json:"kind"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Challenges  []ports.Challenge `json:"challenges,omitempty"`
	Host        string            `json:"host,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

type response struct {
	Secret  string   `json:"secret,omitempty"`
	Answers []string `json:"answers,omitempty"`
	Trust   bool     `json:"trust,omitempty"`
}

// form builds the huh form for req. Answers land in resp when it runs.
func (req request) form(resp *response) (*huh.Form, error) {
	switch req.Kind {
	case kindSecret:
		return huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title(req.Title).
				Description(req.Description).
				EchoMode(huh.EchoModePassword).
				Value(&resp.Secret),
		)), nil

	case kindChallenges:
		resp.Answers = make([]string, len(req.Challenges))
		fields := make([]huh.Field, 0, len(req.Challenges)+1)
		if req.Title != "" || req.Description != "" {
			fields = append(fields, huh.NewNote().Title(req.Title).Description(req.Description))
		}
		for i, c := range req.Challenges {
			in := huh.NewInput().Title(c.Prompt).Value(&resp.Answers[i])
			if !c.Echo {
				in = in.EchoMode(huh.EchoModePassword)
			}
			fields = append(fields, in)
		}
		return huh.NewForm(huh.NewGroup(fields...)), nil

	case kindHostKey:
		return huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Unknown host %s", req.Host)).
				Description(fmt.Sprintf("Key fingerprint is %s.\nTrust this host and add it to known_hosts?", req.Fingerprint)).
				Affirmative("Trust").
				Negative("Reject").
				Value(&resp.Trust),
		)), nil
	}
	return nil, fmt.Errorf("unknown prompt kind %q", req.Kind)
}

func (req request) run(accessible bool) (response, error) {
	var resp response
	form, err := req.form(&resp)
	if err != nil {
		return resp, err
	}
	if err := form.WithAccessible(accessible).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return response{}, ErrAborted
		}
		return response{}, err
	}
	return resp, nil
}

// Terminal prompts on the process's own terminal.
type Terminal struct {
	// Accessible replaces the TUI with plain line prompts, for dumb
	// terminals and screen readers.
	Accessible bool
}

var _ ports.Prompter = (*Terminal)(nil)

// NewTerminal returns a terminal prompter.
func NewTerminal() *Terminal {
	return &Terminal{}
}

// Secret implements ports.Prompter.
func (t *Terminal) Secret(title, description string) (string, error) {
	resp, err := request{Kind: kindSecret, Title: title, Description: description}.run(t.Accessible)
	return resp.Secret, err
}

// Challenges implements ports.Prompter.
func (t *Terminal) Challenges(name, instruction string, challenges []ports.Challenge) ([]string, error) {
	if len(challenges) == 0 {
		return nil, nil
	}
	resp, err := request{Kind: kindChallenges, Title: name, Description: instruction, Challenges: challenges}.run(t.Accessible)
	return resp.Answers, err
}

// ConfirmHostKey implements ports.Prompter.
func (t *Terminal) ConfirmHostKey(host, fingerprint string) (bool, error) {
	resp, err := request{Kind: kindHostKey, Host: host, Fingerprint: fingerprint}.run(t.Accessible)
	return resp.Trust, err
}
