// Package client is the facade over the SSH engine. A Client owns at most
// one connection and turns each call into a single result; asynchronous
// output such as shell data and transfer progress is published to an
// events.Registry under the client's session key.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/session"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/transport"
)

// ErrKeepaliveTimeout ends a connection whose peer stopped answering
// keepalives.
var ErrKeepaliveTimeout = errors.New("keepalive timeout")

// gracefulCloseTimeout bounds how long Disconnect waits for channels to
// close before dropping the transport.
const gracefulCloseTimeout = 2 * time.Second

// connection is one live transport with its multiplexer.
type connection struct {
	opts   ConnectOptions
	tc     *transport.Conn
	mux    *mux.Mux
	ctx    context.Context
	cancel context.CancelFunc
}

// Client is the facade for one SSH connection at a time. It is safe for
// concurrent use.
type Client struct {
	opts Options
	key  string

	sftpMu sync.Mutex // serializes SFTP setup

	mu            sync.Mutex
	conn          *connection
	connecting    bool
	shellStarting bool
	shell         *session.Shell
	sftp       *sftp.Client
	sftpState  SFTPState
	forwards   map[string]*Forward

	uploads   transfers
	downloads transfers
}

// New returns a disconnected client with a fresh session key.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:     opts,
		key:      opts.Registry.NewKey(),
		forwards: make(map[string]*Forward),
	}
}

// Key returns the session key events are published under.
func (c *Client) Key() string { return c.key }

// Registry returns the registry events are published to.
func (c *Client) Registry() *events.Registry { return c.opts.Registry }

// On subscribes fn to events of kind for this client. An empty kind
// receives every event.
func (c *Client) On(kind events.Kind, fn events.Handler) (unsubscribe func()) {
	return c.opts.Registry.Subscribe(c.key, kind, fn)
}

// Events returns logged events with a sequence number above after.
func (c *Client) Events(after uint64) []events.Event {
	return c.opts.Registry.Since(c.key, after)
}

func (c *Client) publish(ev events.Event) {
	c.opts.Registry.Publish(c.key, ev)
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Target returns the options of the live connection.
func (c *Client) Target() (ConnectOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ConnectOptions{}, false
	}
	return c.conn.opts, true
}

// ServerVersion returns the server's identification string.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.tc.ServerVersion()
}

func (c *Client) current(op string) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, &Error{Kind: ConnectionError, Op: op, Err: ErrNotConnected}
	}
	return c.conn, nil
}

// Connect dials, verifies the host key and authenticates. It fails with
// ErrAlreadyConnected while a connection is live or being established.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	if err := opts.validate(); err != nil {
		return &Error{Kind: ConnectionError, Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return &Error{Kind: ConnectionError, Op: "connect", Err: ErrAlreadyConnected}
	}
	c.connecting = true
	c.mu.Unlock()

	conn, err := c.connect(ctx, opts)

	c.mu.Lock()
	c.connecting = false
	if err == nil {
		c.conn = conn
	}
	c.mu.Unlock()

	if err != nil {
		slog.Warn("ssh connect failed",
			slog.String("host", opts.Host),
			slog.Int("port", opts.Port),
			slog.String("user", opts.User),
			slog.String("error", err.Error()),
		)
		return wrap("connect", err)
	}

	go c.watch(conn)
	go c.keepalive(conn)

	slog.Info("ssh connected",
		slog.String("session", c.key),
		slog.String("host", opts.Host),
		slog.Int("port", opts.Port),
		slog.String("user", opts.User),
		slog.String("server", conn.tc.ServerVersion()),
	)
	c.publish(events.Event{Kind: events.Connected, Text: opts.Addr()})
	return nil
}

func (c *Client) connect(ctx context.Context, opts ConnectOptions) (*connection, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	hostKeys := c.opts.HostKeyCallback
	if hostKeys == nil {
		var err error
		if hostKeys, err = auth.HostKeyCallback(c.opts.HostKey); err != nil {
			return nil, err
		}
	}

	methods, err := auth.BuildMethods(auth.Credentials{
		Password:   opts.Credential.Password,
		KeyPath:    opts.Credential.KeyPath,
		KeyPEM:     opts.Credential.PrivateKey,
		Passphrase: opts.Credential.Passphrase,
		UseAgent:   opts.Credential.UseAgent,
		Host:       opts.Host,
		Prompter:   c.opts.Prompter,
		FS:         c.opts.FS,
		Dialer:     c.opts.Dialer,
	})
	if err != nil {
		return nil, &Error{Kind: AuthError, Op: "connect", Err: err}
	}

	cfg := c.opts.Transport
	cfg.HostKeyCallback = hostKeys
	cfg.Dialer = c.opts.Dialer
	tc, err := c.dial(ctx, opts.Addr(), cfg)
	if err != nil {
		return nil, err
	}
	algs := tc.Algorithms()
	slog.Debug("ssh transport established",
		slog.String("addr", opts.Addr()),
		slog.String("kex", algs.Kex),
		slog.String("hostkey", algs.HostKey),
		slog.String("cipher", algs.Write.Cipher),
	)

	a := auth.Authenticator{
		MaxAttempts: c.opts.MaxAuthAttempts,
		Lockout:     c.opts.Lockout,
		Host:        opts.Host,
		Banner: func(message string) {
			c.publish(events.Event{Kind: events.Banner, Text: message})
		},
	}
	if err := a.Authenticate(ctx, tc, opts.User, methods...); err != nil {
		tc.Close()
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	return &connection{
		opts:   opts,
		tc:     tc,
		mux:    mux.New(tc),
		ctx:    connCtx,
		cancel: connCancel,
	}, nil
}

// dial retries refused and timed out TCP connects with exponential
// backoff. Handshake failures are not retried.
func (c *Client) dial(ctx context.Context, addr string, cfg transport.Config) (*transport.Conn, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.RetryInterval),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(c.opts.Clock),
	)
	retries := uint64(max(c.opts.DialRetries, 0))

	attempt := 0
	return backoff.RetryNotifyWithData(func() (*transport.Conn, error) {
		attempt++
		tc, err := transport.Dial(ctx, addr, cfg)
		if err != nil && !retryable(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return tc, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx), func(err error, wait time.Duration) {
		slog.Debug("ssh dial retry",
			slog.String("addr", addr),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

func retryable(ctx context.Context, err error) bool {
	var hs *transport.HandshakeError
	if errors.As(err, &hs) || ctx.Err() != nil {
		return false
	}
	return errors.Is(err, transport.ErrRefused) || errors.Is(err, transport.ErrTimedOut)
}

// watch tears the connection down when the transport fails.
func (c *Client) watch(conn *connection) {
	<-conn.mux.Done()
	c.teardown(conn, conn.mux.Err())
}

// keepalive sends keepalive@openssh.com every interval. Any reply, even a
// refusal, proves the peer is alive; KeepaliveMaxMiss intervals without
// one end the connection.
func (c *Client) keepalive(conn *connection) {
	if c.opts.KeepaliveInterval < 0 {
		return
	}
	ticker := c.opts.Clock.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	replies := make(chan error, 1)
	pending := false
	missed := 0
	for {
		select {
		case <-conn.ctx.Done():
			return
		case err := <-replies:
			pending = false
			if err == nil {
				missed = 0
			}
		case <-ticker.C():
			if pending {
				missed++
				slog.Debug("ssh keepalive unanswered",
					slog.String("session", c.key),
					slog.Int("missed", missed),
				)
				if missed >= c.opts.KeepaliveMaxMiss {
					c.teardown(conn, ErrKeepaliveTimeout)
					return
				}
				continue
			}
			pending = true
			go func() {
				_, _, err := conn.mux.SendRequest(conn.ctx, "keepalive@openssh.com", true, nil)
				replies <- err
			}()
		}
	}
}

// Disconnect closes the shell, the SFTP session, forwards and the
// transport. It is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn, nil)
	}
	return nil
}

// teardown runs once per connection. cause is nil for Disconnect.
func (c *Client) teardown(conn *connection, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	shell := c.shell
	c.shell = nil
	sc := c.sftp
	c.sftp = nil
	c.sftpState = SFTPDisconnected
	forwards := c.forwards
	c.forwards = make(map[string]*Forward)
	c.mu.Unlock()

	c.uploads.cancelAll()
	c.downloads.cancelAll()
	if cause != nil {
		// A lost peer gets no graceful close.
		conn.mux.Close()
	}
	graceful := make(chan struct{})
	go func() {
		defer close(graceful)
		for _, f := range forwards {
			f.close()
		}
		if shell != nil {
			shell.Close()
		}
		if sc != nil {
			sc.Close()
		}
	}()
	timer := time.NewTimer(gracefulCloseTimeout)
	select {
	case <-graceful:
	case <-timer.C:
		slog.Debug("graceful close timed out", slog.String("session", c.key))
	}
	timer.Stop()
	conn.cancel()
	conn.mux.Close()
	<-graceful

	reason := "disconnected"
	if cause != nil && !errors.Is(cause, mux.ErrMuxClosed) {
		reason = cause.Error()
		slog.Warn("ssh connection lost",
			slog.String("session", c.key),
			slog.String("host", conn.opts.Host),
			slog.String("error", reason),
		)
	} else {
		slog.Info("ssh disconnected",
			slog.String("session", c.key),
			slog.String("host", conn.opts.Host),
		)
	}
	c.publish(events.Event{Kind: events.Disconnected, Text: reason})
}

// Exec runs command and returns its separated output. A non-zero exit is
// reported as a *session.ExitError alongside the result.
func (c *Client) Exec(ctx context.Context, command string) (*session.ExecResult, error) {
	conn, err := c.current("exec")
	if err != nil {
		return nil, err
	}
	res, err := session.Execute(ctx, conn.mux, command)
	var exitErr *session.ExitError
	if errors.As(err, &exitErr) {
		return res, err
	}
	return res, wrap("exec", err)
}

// Execute runs command and returns stdout followed by stderr.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	res, err := c.Exec(ctx, command)
	if res == nil {
		return "", err
	}
	return res.Text(), err
}

// String identifies the client in logs.
func (c *Client) String() string {
	if opts, ok := c.Target(); ok {
		return fmt.Sprintf("%s@%s (%s)", opts.User, opts.Addr(), c.key)
	}
	return c.key
}
