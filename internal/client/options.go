package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/adapters/realnet"
	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/session"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/transport"
)

// Defaults for Options and ConnectOptions.
const (
	DefaultPort              = 22
	DefaultTimeout           = 15 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveMaxMiss  = 3
	DefaultDialRetries       = 2
)

// DefaultExclusions are skipped by UploadDir and DownloadDir when
// Options.Exclusions is nil.
var DefaultExclusions = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"__pycache__",
	".DS_Store",
	"*.pyc",
	"*.pyo",
	".env",
	".env.local",
}

// Credential is one way of proving identity. Password, a key pair or the
// SSH agent may be combined; they are tried agent first, then key, then
// password.
type Credential struct {
	Password   []byte
	PrivateKey []byte // PEM
	KeyPath    string
	Passphrase []byte
	UseAgent   bool
}

// ConnectOptions describes one connection.
type ConnectOptions struct {
	Host       string
	Port       int
	User       string
	Credential Credential
	// Timeout bounds TCP connect, key exchange and authentication.
	Timeout time.Duration
}

// Addr returns host:port.
func (o ConnectOptions) Addr() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

func (o *ConnectOptions) validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.User == "" {
		return fmt.Errorf("user is required")
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// RecorderFactory creates a recorder for a new shell.
type RecorderFactory interface {
	NewRecorder(key string, cols, rows int, term string) (session.Recorder, error)
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	// Registry routes events. A private registry is created when nil.
	Registry *events.Registry

	// HostKeyCallback verifies server keys. When nil, HostKey builds a
	// known_hosts callback.
	HostKeyCallback ssh.HostKeyCallback
	HostKey         auth.HostKeyOptions

	// Transport supplies algorithm preferences and the rekey threshold.
	// HostKeyCallback, Dialer and Rand are filled in by the client.
	Transport transport.Config

	// KeepaliveInterval is the period of keepalive@openssh.com requests.
	// Negative disables keepalives.
	KeepaliveInterval time.Duration
	// KeepaliveMaxMiss is the number of unanswered keepalives after which
	// the connection is declared lost.
	KeepaliveMaxMiss int
	// DialRetries is the number of extra dial attempts after a refused or
	// timed out TCP connect. Negative disables retries.
	DialRetries int
	// RetryInterval is the first backoff delay between dial attempts.
	RetryInterval time.Duration

	MaxAuthAttempts int
	Lockout         *security.Lockout
	Prompter        ports.Prompter

	SFTP sftp.Options
	// Exclusions are doublestar patterns matched against base names and
	// relative paths during directory transfers.
	Exclusions []string

	Recorders RecorderFactory

	FS       ports.FileSystem
	Clock    ports.Clock
	Dialer   ports.NetworkDialer
	Listener ports.NetworkListener
}

func (o *Options) setDefaults() {
	if o.Registry == nil {
		o.Registry = events.NewRegistry()
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveMaxMiss <= 0 {
		o.KeepaliveMaxMiss = DefaultKeepaliveMaxMiss
	}
	if o.DialRetries == 0 {
		o.DialRetries = DefaultDialRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 250 * time.Millisecond
	}
	if o.Exclusions == nil {
		o.Exclusions = DefaultExclusions
	}
	if o.FS == nil {
		o.FS = realfs.New()
	}
	if o.Clock == nil {
		o.Clock = realclock.New()
	}
	if o.Dialer == nil {
		o.Dialer = realnet.NewDialer()
	}
	if o.Listener == nil {
		o.Listener = realnet.NewListener()
	}
	if o.SFTP.FS == nil {
		o.SFTP.FS = o.FS
	}
	if o.SFTP.Clock == nil {
		o.SFTP.Clock = o.Clock
	}
	if o.HostKey.FS == nil {
		o.HostKey.FS = o.FS
	}
	if o.HostKey.Prompter == nil {
		o.HostKey.Prompter = o.Prompter
	}
}
