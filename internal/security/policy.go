package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrCommandBlocked matches any *BlockedError with errors.Is.
var ErrCommandBlocked = errors.New("command blocked by policy")

// BlockedError names the command and the rule that refused it.
type BlockedError struct {
	Command string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command %q blocked: %s", e.Command, e.Reason)
}

func (e *BlockedError) Is(target error) bool { return target == ErrCommandBlocked }

// CommandPolicy decides which commands an automated caller may run on a
// remote host. Block patterns win over allow patterns; with any allow
// pattern set, a command must match one. A nil policy allows everything.
type CommandPolicy struct {
	block []*regexp.Regexp
	allow []*regexp.Regexp
}

// DefaultBlockedCommands are destructive commands refused unless the
// config opts out.
func DefaultBlockedCommands() []string {
	return []string{
		`rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/\s*$`,
		`rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/\*`,
		`\bmkfs(\.\w+)?\b`,
		`\bdd\s+.*\bof=/dev/(sd|hd|nvme|vd)`,
		`>\s*/dev/(sd|hd|nvme|vd)[a-z]`,
		`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`,
	}
}

// NewCommandPolicy compiles the patterns. It returns nil when both lists
// are empty.
func NewCommandPolicy(block, allow []string) (*CommandPolicy, error) {
	if len(block) == 0 && len(allow) == 0 {
		return nil, nil
	}
	p := &CommandPolicy{}
	var err error
	if p.block, err = compileAll("blocked", block); err != nil {
		return nil, err
	}
	if p.allow, err = compileAll("allowed", allow); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(list string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("%s command pattern %q: %w", list, pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Check returns a *BlockedError if command may not run.
func (p *CommandPolicy) Check(command string) error {
	if p == nil {
		return nil
	}
	cmd := strings.TrimSpace(command)
	for _, re := range p.block {
		if re.MatchString(cmd) {
			return &BlockedError{Command: cmd, Reason: "matches " + re.String()}
		}
	}
	if len(p.allow) == 0 {
		return nil
	}
	for _, re := range p.allow {
		if re.MatchString(cmd) {
			return nil
		}
	}
	return &BlockedError{Command: cmd, Reason: "not in the allowed list"}
}

// CheckInput checks every line of text typed into a shell. A trailing
// line without a newline has not been submitted yet and is still checked,
// since the next write may complete it with a bare newline.
func (p *CommandPolicy) CheckInput(text string) error {
	if p == nil {
		return nil
	}
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := p.Check(line); err != nil {
			return err
		}
	}
	return nil
}
