package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/ports"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrUnknownHost is returned under strict checking for a host missing
// from known_hosts.
var ErrUnknownHost = errors.New("host key not in known_hosts")

// ErrHostKeyRejected is returned when the user declines an unknown key.
var ErrHostKeyRejected = errors.New("host key rejected")

// HostKeyOptions configures known_hosts verification.
type HostKeyOptions struct {
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string
	// Strict rejects hosts missing from known_hosts instead of adding
	// them.
	Strict bool
	// Insecure accepts any host key.
	Insecure bool
	// Prompter, when set, confirms unknown keys before they are added.
	Prompter ports.Prompter
	FS       ports.FileSystem
}

// HostKeyCallback returns a callback that verifies host keys against
// known_hosts. A changed key is always an error. Unknown hosts are
// rejected in strict mode and otherwise trusted on first use and
// appended to the file.
func HostKeyCallback(opts HostKeyOptions) (ssh.HostKeyCallback, error) {
	if opts.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if opts.FS == nil {
		opts.FS = realfs.New()
	}
	path := opts.KnownHostsPath
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	path = expandPath(opts.FS, path)

	if _, err := opts.FS.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := opts.FS.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create known_hosts dir: %w", err)
		}
		if err := opts.FS.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}

	v := &hostKeyVerifier{
		opts:     opts,
		path:     path,
		known:    known,
		accepted: make(map[string]string),
	}
	return v.verify, nil
}

type hostKeyVerifier struct {
	opts  HostKeyOptions
	path  string
	known ssh.HostKeyCallback

	mu       sync.Mutex
	accepted map[string]string // normalized host -> key fingerprint
}

func (v *hostKeyVerifier) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := v.known(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
		return err
	}

	host := knownhosts.Normalize(hostname)
	fingerprint := ssh.FingerprintSHA256(key)

	v.mu.Lock()
	defer v.mu.Unlock()

	if fp, ok := v.accepted[host]; ok {
		if fp != fingerprint {
			return fmt.Errorf("host key for %s changed during the session", host)
		}
		return nil
	}
	if v.opts.Strict {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if v.opts.Prompter != nil {
		ok, err := v.opts.Prompter.ConfirmHostKey(host, fingerprint)
		if err != nil {
			return fmt.Errorf("confirm host key: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrHostKeyRejected, host)
		}
	}

	existing, err := v.opts.FS.ReadFile(v.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read known_hosts: %w", err)
	}
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		existing = append(existing, '\n')
	}
	line := knownhosts.Line([]string{host}, key) + "\n"
	if err := v.opts.FS.WriteFile(v.path, append(existing, line...), 0o600); err != nil {
		return fmt.Errorf("update known_hosts: %w", err)
	}
	v.accepted[host] = fingerprint

	slog.Info("added host key to known_hosts",
		slog.String("host", host),
		slog.String("fingerprint", fingerprint),
	)
	return nil
}
