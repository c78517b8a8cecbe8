// Package recovery suggests fixes for failed SSH operations and remote
// commands.
package recovery

import (
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/transport"
)

// Suggestion is a recovery hint for one detected problem.
type Suggestion struct {
	Error       string   `json:"error"`              // what was detected
	Category    string   `json:"category"`           // network, auth, hostkey, permission, ...
	Commands    []string `json:"commands,omitempty"` // commands that may fix it
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
}

// Analyzer matches errors and command output against recovery rules.
type Analyzer struct {
	rules []recoveryRule
}

// A rule matches when its sentinel is in the error chain, when match
// accepts the error, or when pattern matches the text.
type recoveryRule struct {
	name     string
	sentinel error
	match    func(err error) bool
	pattern  *regexp.Regexp
	suggest  func(matches []string) *Suggestion
}

// NewAnalyzer creates an analyzer with the default rules.
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

// AnalyzeError returns suggestions for a failed client operation, most
// confident first.
func (a *Analyzer) AnalyzeError(err error) []*Suggestion {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var suggestions []*Suggestion
	for _, rule := range a.rules {
		var matches []string
		switch {
		case rule.sentinel != nil && errors.Is(err, rule.sentinel):
		case rule.match != nil && rule.match(err):
		case rule.pattern != nil:
			if matches = rule.pattern.FindStringSubmatch(msg); matches == nil {
				continue
			}
		default:
			continue
		}
		if s := rule.suggest(matches); s != nil {
			suggestions = append(suggestions, s)
		}
	}
	return rank(suggestions)
}

// AnalyzeOutput returns suggestions for a remote command that failed.
// Output of a successful command is only examined when it contains an
// error indication.
func (a *Analyzer) AnalyzeOutput(output string, exitStatus int) []*Suggestion {
	if exitStatus == 0 && !containsErrorIndicators(output) {
		return nil
	}
	var suggestions []*Suggestion
	for _, rule := range a.rules {
		if rule.pattern == nil {
			continue
		}
		if matches := rule.pattern.FindStringSubmatch(output); matches != nil {
			if s := rule.suggest(matches); s != nil {
				suggestions = append(suggestions, s)
			}
		}
	}
	return rank(suggestions)
}

func containsErrorIndicators(output string) bool {
	lowered := strings.ToLower(output)
	indicators := []string{
		"error:", "failed", "not found", "permission denied",
		"no such file", "cannot", "unable to", "refused",
	}
	for _, ind := range indicators {
		if strings.Contains(lowered, ind) {
			return true
		}
	}
	return false
}

// rank orders by confidence and drops repeated categories.
func rank(suggestions []*Suggestion) []*Suggestion {
	slices.SortStableFunc(suggestions, func(a, b *Suggestion) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
	seen := make(map[string]bool, len(suggestions))
	out := suggestions[:0]
	for _, s := range suggestions {
		if seen[s.Category] {
			continue
		}
		seen[s.Category] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func authKind(kind auth.ErrorKind) func(error) bool {
	return func(err error) bool {
		var authErr *auth.Error
		return errors.As(err, &authErr) && authErr.Kind == kind
	}
}

func fixed(s Suggestion) func([]string) *Suggestion {
	return func([]string) *Suggestion {
		c := s
		return &c
	}
}

func defaultRules() []recoveryRule {
	return []recoveryRule{
		{
			name:     "refused",
			sentinel: transport.ErrRefused,
			pattern:  regexp.MustCompile(`(?i)connection refused`),
			suggest: fixed(Suggestion{
				Error:       "Connection refused",
				Category:    "network",
				Explanation: "Nothing accepted the connection. Check the host and port, and that sshd is running.",
				Confidence:  0.9,
			}),
		},
		{
			name:     "timeout",
			sentinel: transport.ErrTimedOut,
			pattern:  regexp.MustCompile(`(?i)(?:i/o timeout|timed out)`),
			suggest: fixed(Suggestion{
				Error:       "Connection timed out",
				Category:    "network",
				Explanation: "The host did not answer in time. Check that it is reachable and not behind a firewall, or raise the timeout.",
				Confidence:  0.7,
			}),
		},
		{
			name:     "no_route",
			pattern:  regexp.MustCompile(`(?i)(?:no such host|no route to host|network is unreachable)`),
			suggest: fixed(Suggestion{
				Error:       "Host unreachable",
				Category:    "network",
				Explanation: "The host name does not resolve or the network cannot reach it.",
				Confidence:  0.8,
			}),
		},
		{
			name:  "wrong_credential",
			match: authKind(auth.WrongCredential),
			suggest: fixed(Suggestion{
				Error:       "Credentials refused",
				Category:    "auth",
				Explanation: "The server refused every offered key and password. Check the user name, the key path, and the variable named by password_env.",
				Confidence:  0.9,
			}),
		},
		{
			name:  "unsupported_method",
			match: authKind(auth.UnsupportedMethod),
			suggest: fixed(Suggestion{
				Error:       "No usable authentication method",
				Category:    "auth",
				Explanation: "The server allows none of the configured methods. Offer a key, the agent, or a password as the server's list suggests.",
				Confidence:  0.85,
			}),
		},
		{
			name:     "locked_out",
			sentinel: security.ErrLocked,
			suggest: fixed(Suggestion{
				Error:       "Authentication locked out",
				Category:    "auth",
				Explanation: "Too many failed logins for this host and user. Wait for the lockout to expire before retrying.",
				Confidence:  0.95,
			}),
		},
		{
			name:     "command_blocked",
			sentinel: security.ErrCommandBlocked,
			suggest: fixed(Suggestion{
				Error:       "Command refused by policy",
				Category:    "policy",
				Explanation: "The command matches security.blocked_commands or is missing from security.allowed_commands in the config file.",
				Confidence:  0.95,
			}),
		},
		{
			name:     "unknown_host_strict",
			sentinel: auth.ErrUnknownHost,
			suggest: fixed(Suggestion{
				Error:       "Host key not in known_hosts",
				Category:    "hostkey",
				Commands:    []string{"ssh-keyscan -H <host> >> ~/.ssh/known_hosts"},
				Explanation: "Strict host key checking is on and the host is new. Verify its fingerprint, then add it to known_hosts.",
				Confidence:  0.9,
			}),
		},
		{
			name:    "host_key_changed",
			pattern: regexp.MustCompile(`(?i)(?:key mismatch|REMOTE HOST IDENTIFICATION HAS CHANGED|host key for \S+ changed)`),
			suggest: fixed(Suggestion{
				Error:       "Host key changed",
				Category:    "hostkey",
				Commands:    []string{"ssh-keygen -R <host>"},
				Explanation: "The server presented a different key than known_hosts records. This may be an attack. Only remove the old key if you trust the host.",
				Confidence:  0.95,
			}),
		},
		{
			name:     "sftp_permission",
			sentinel: sftp.ErrPermissionDenied,
			pattern:  regexp.MustCompile(`(?i)permission denied`),
			suggest: fixed(Suggestion{
				Error:       "Permission denied",
				Category:    "permission",
				Explanation: "The remote user may not access this path. Pick a path it owns, or change the permissions.",
				Confidence:  0.8,
			}),
		},
		{
			name:     "no_such_file",
			sentinel: sftp.ErrNoSuchFile,
			pattern:  regexp.MustCompile(`(?i)no such file or directory`),
			suggest: fixed(Suggestion{
				Error:       "No such file or directory",
				Category:    "path",
				Explanation: "The path does not exist. Relative remote paths start at the login directory.",
				Confidence:  0.7,
			}),
		},
		{
			name:     "sftp_refused",
			sentinel: sftp.ErrSubsystemRefused,
			suggest: fixed(Suggestion{
				Error:       "SFTP subsystem refused",
				Category:    "sftp",
				Explanation: "The server has no sftp subsystem configured. Enable Subsystem sftp in sshd_config.",
				Confidence:  0.9,
			}),
		},
		{
			name:    "command_not_found",
			pattern: regexp.MustCompile(`(?i)(\S+):\s*(?:command )?not found`),
			suggest: func(matches []string) *Suggestion {
				cmd := strings.TrimSuffix(matches[1], ":")
				if i := strings.LastIndex(cmd, ":"); i >= 0 {
					cmd = cmd[i+1:]
				}
				return &Suggestion{
					Error:       "Command not found: " + cmd,
					Category:    "package",
					Commands:    []string{"command -v " + cmd, "echo $PATH"},
					Explanation: "The command is not installed or not on the PATH of a non-interactive shell.",
					Confidence:  0.75,
				}
			},
		},
		{
			name:    "disk_full",
			pattern: regexp.MustCompile(`(?i)no space left on device`),
			suggest: fixed(Suggestion{
				Error:       "Disk full",
				Category:    "disk",
				Commands:    []string{"df -h"},
				Explanation: "The remote file system is full.",
				Confidence:  0.9,
			}),
		},
		{
			name:    "port_in_use",
			pattern: regexp.MustCompile(`(?i)address already in use`),
			suggest: fixed(Suggestion{
				Error:       "Port in use",
				Category:    "port",
				Explanation: "Another process holds the port. Use local_port 0 to pick a free one.",
				Confidence:  0.85,
			}),
		},
	}
}
