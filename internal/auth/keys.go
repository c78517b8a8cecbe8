package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/adapters/realnet"
	"github.com/acolita/sshkit/internal/ports"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Credentials describes where authentication material comes from.
type Credentials struct {
	Password   []byte // Password for password and keyboard-interactive
	KeyPath    string // Path to a private key file
	KeyPEM     []byte // PEM private key, used instead of KeyPath
	Passphrase []byte // Passphrase for encrypted keys
	UseAgent   bool   // Offer keys held by the SSH agent
	Host       string // Target host for ~/.ssh/config IdentityFile lookup

	// Prompter asks for passphrases and keyboard-interactive answers.
	Prompter ports.Prompter
	FS       ports.FileSystem
	Dialer   ports.NetworkDialer
}

// defaultKeys are tried when no key, password or agent is configured.
var defaultKeys = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_ecdsa",
	"~/.ssh/id_rsa",
}

// BuildMethods assembles methods in the order agent, key, password,
// keyboard-interactive.
func BuildMethods(creds Credentials) ([]Method, error) {
	if creds.FS == nil {
		creds.FS = realfs.New()
	}
	if creds.Dialer == nil {
		creds.Dialer = realnet.NewDialer()
	}

	var methods []Method

	if creds.UseAgent {
		if socket := creds.FS.Getenv("SSH_AUTH_SOCK"); socket != "" {
			methods = append(methods, Agent(socket, creds.Dialer))
		}
	}

	var signers []ssh.Signer
	switch {
	case len(creds.KeyPEM) > 0:
		signer, err := parseKey(creds.KeyPEM, creds.Passphrase, "inline key", creds.Prompter)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		signers = append(signers, signer)
	case creds.KeyPath != "":
		signer, err := privateKeyFile(creds.FS, creds.KeyPath, creds.Passphrase, creds.Prompter)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		signers = append(signers, signer)
	case creds.Host != "":
		if path := identityFileFor(creds.FS, creds.Host); path != "" {
			if signer, err := privateKeyFile(creds.FS, path, creds.Passphrase, creds.Prompter); err == nil {
				signers = append(signers, signer)
			}
		}
	}

	if len(signers) == 0 && len(creds.KeyPEM) == 0 && creds.KeyPath == "" && len(creds.Password) == 0 && len(methods) == 0 {
		for _, path := range defaultKeys {
			expanded := expandPath(creds.FS, path)
			if _, err := creds.FS.Stat(expanded); err != nil {
				continue
			}
			if signer, err := privateKeyFile(creds.FS, expanded, creds.Passphrase, creds.Prompter); err == nil {
				signers = append(signers, signer)
				break
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, PublicKeys(signers...))
	}

	if len(creds.Password) > 0 {
		methods = append(methods, Password(creds.Password))
	}
	if len(creds.Password) > 0 || creds.Prompter != nil {
		methods = append(methods, KeyboardInteractivePrompter(creds.Prompter, creds.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication methods available")
	}
	return methods, nil
}

// Agent offers the keys held by the SSH agent listening on socket. The
// agent connection lives only for the duration of the attempt.
func Agent(socket string, dialer ports.NetworkDialer) Method {
	return agentMethod{socket: socket, dialer: dialer}
}

type agentMethod struct {
	socket string
	dialer ports.NetworkDialer
}

func (agentMethod) Name() string { return "publickey" }

func (m agentMethod) authenticate(ctx context.Context, ex *exchange) (result, error) {
	conn, err := m.dialer.DialContext(ctx, "unix", m.socket)
	if err != nil {
		return result{}, &methodError{method: "agent", err: fmt.Errorf("dial agent: %w", err)}
	}
	defer conn.Close()

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		return result{}, &methodError{method: "agent", err: fmt.Errorf("list agent keys: %w", err)}
	}
	return tryPublicKeys(ex, signers)
}

func privateKeyFile(fsys ports.FileSystem, keyPath string, passphrase []byte, prompter ports.Prompter) (ssh.Signer, error) {
	expanded := expandPath(fsys, keyPath)
	keyData, err := fsys.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return parseKey(keyData, passphrase, expanded, prompter)
}

// parseKey parses a PEM private key. An encrypted key with no passphrase
// is unlocked through prompter when one is available.
func parseKey(pemBytes, passphrase []byte, label string, prompter ports.Prompter) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && prompter != nil {
		secret, perr := prompter.Secret("Key passphrase", "Passphrase for "+label)
		if perr != nil {
			return nil, fmt.Errorf("passphrase prompt: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(secret))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// expandPath expands ~ to the home directory.
func expandPath(fsys ports.FileSystem, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := fsys.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// identityFileFor returns the first IdentityFile of a matching Host block
// in ~/.ssh/config.
func identityFileFor(fsys ports.FileSystem, host string) string {
	data, err := fsys.ReadFile(expandPath(fsys, "~/.ssh/config"))
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	matches := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		value := strings.Join(parts[1:], " ")
		switch strings.ToLower(parts[0]) {
		case "host":
			matches = matchHostPatterns(host, value)
		case "identityfile":
			if matches {
				return expandPath(fsys, value)
			}
		}
	}
	return ""
}

// matchHostPatterns reports whether host matches any of the
// space-separated Host patterns. A !pattern match excludes the host.
func matchHostPatterns(host, patterns string) bool {
	matched := false
	for _, p := range strings.Fields(patterns) {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if matchPattern(host, neg) {
				return false
			}
			continue
		}
		if matchPattern(host, p) {
			matched = true
		}
	}
	return matched
}

// matchPattern matches one ssh_config pattern: * is any run, ? is one
// character.
func matchPattern(host, pattern string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = strings.TrimLeft(pattern, "*")
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(host); i++ {
				if matchPattern(host[i:], pattern) {
					return true
				}
			}
			return false
		case '?':
			if host == "" {
				return false
			}
		default:
			if host == "" || host[0] != pattern[0] {
				return false
			}
		}
		host, pattern = host[1:], pattern[1:]
	}
	return host == ""
}
