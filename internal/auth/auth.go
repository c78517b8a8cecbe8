// Package auth implements the client side of the SSH authentication
// protocol (RFC 4252) over an established transport.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/transport"
	"golang.org/x/crypto/ssh"
)

// DefaultMaxAttempts caps the number of method attempts per connection.
const DefaultMaxAttempts = 6

// PacketConn is the transport the authenticator runs on.
type PacketConn interface {
	ReadPacket() ([]byte, error)
	WritePacket(payload []byte) error
	SessionID() []byte
	ServerSigAlgs() []string
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// ErrorKind classifies an authentication failure.
type ErrorKind int

const (
	// WrongCredential means every offered credential was refused.
	WrongCredential ErrorKind = iota + 1
	// UnsupportedMethod means the server allows none of the configured
	// methods.
	UnsupportedMethod
	// ServerRejected means the server ended authentication (too many
	// attempts, disconnect, lockout).
	ServerRejected
)

func (k ErrorKind) String() string {
	switch k {
	case WrongCredential:
		return "wrong credential"
	case UnsupportedMethod:
		return "unsupported method"
	case ServerRejected:
		return "rejected by server"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is an authentication failure. None of the kinds are retryable
// without new credentials.
type Error struct {
	Kind ErrorKind
	// Methods is the server's last list of methods that can continue.
	Methods []string
	Err     error
}

func (e *Error) Error() string {
	msg := "ssh: authentication failed: " + e.Kind.String()
	if len(e.Methods) > 0 {
		msg += " (server allows " + strings.Join(e.Methods, ",") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Authenticator runs the authentication exchange.
type Authenticator struct {
	// MaxAttempts caps method attempts; zero selects DefaultMaxAttempts.
	MaxAttempts int
	// Banner receives SSH_MSG_USERAUTH_BANNER text.
	Banner func(message string)
	// Lockout, when set, locks Host out after repeated wrong credentials.
	Lockout *security.Lockout
	// Host identifies the server for the lockout.
	Host string
}

// Authenticate authenticates user with the zero Authenticator.
func Authenticate(ctx context.Context, conn PacketConn, user string, methods ...Method) error {
	var a Authenticator
	return a.Authenticate(ctx, conn, user, methods...)
}

// Authenticate requests the ssh-userauth service and tries methods in
// order until one succeeds. Failures are reported as *Error; transport
// failures are returned unchanged.
func (a *Authenticator) Authenticate(ctx context.Context, conn PacketConn, user string, methods ...Method) error {
	if a.Lockout != nil {
		if err := a.Lockout.Check(a.Host, user); err != nil {
			return &Error{Kind: ServerRejected, Err: err}
		}
	}

	if d, ok := conn.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			d.SetDeadline(deadline)
		}
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if stop() {
				d.SetDeadline(time.Time{})
			}
		}()
	}

	err := a.run(ctx, conn, user, methods)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("authenticate: %w: %w", transport.ErrTimedOut, ctx.Err())
	}

	var authErr *Error
	switch {
	case err == nil:
		if a.Lockout != nil {
			a.Lockout.Succeed(a.Host, user)
		}
	case errors.As(err, &authErr) && authErr.Kind == WrongCredential:
		if a.Lockout != nil {
			a.Lockout.Fail(a.Host, user)
		}
	}
	return err
}

func (a *Authenticator) run(ctx context.Context, conn PacketConn, user string, methods []Method) error {
	if err := conn.WritePacket(ssh.Marshal(&serviceRequestMsg{Service: serviceUserAuth})); err != nil {
		return err
	}
	p, err := conn.ReadPacket()
	if err != nil {
		return err
	}
	var accept serviceAcceptMsg
	if err := ssh.Unmarshal(p, &accept); err != nil {
		return fmt.Errorf("auth: expected SERVICE_ACCEPT: %w", err)
	}

	ex := &exchange{conn: conn, user: user, banner: a.Banner}
	res, err := ex.none()
	if err != nil {
		return serverRejected(err)
	}
	if res.ok {
		slog.Info("ssh authenticated", slog.String("user", user), slog.String("method", "none"))
		return nil
	}

	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	allowed := res.methods
	tried := make(map[int]bool)
	attempts := 0
	offered := false
	var lastErr error

	for {
		i := nextMethod(methods, allowed, tried)
		if i < 0 {
			break
		}
		m := methods[i]
		if attempts >= maxAttempts {
			return &Error{Kind: ServerRejected, Methods: allowed, Err: fmt.Errorf("gave up after %d attempts", attempts)}
		}
		attempts++
		offered = true
		tried[i] = true

		res, err := m.authenticate(ctx, ex)
		if err != nil {
			var authErr *Error
			if errors.As(err, &authErr) {
				return err
			}
			var methodErr *methodError
			if errors.As(err, &methodErr) {
				lastErr = err
				continue
			}
			return serverRejected(err)
		}
		if res.ok {
			slog.Info("ssh authenticated", slog.String("user", user), slog.String("method", m.Name()))
			return nil
		}
		allowed = res.methods
		if res.partial {
			slog.Debug("ssh partial authentication", slog.String("method", m.Name()), slog.String("next", strings.Join(allowed, ",")))
			tried = map[int]bool{i: true}
		}
	}

	if !offered {
		return &Error{Kind: UnsupportedMethod, Methods: allowed, Err: lastErr}
	}
	return &Error{Kind: WrongCredential, Methods: allowed, Err: lastErr}
}

// serverRejected maps a server disconnect during authentication to
// ServerRejected. Other errors are connection failures.
func serverRejected(err error) error {
	var dis *transport.DisconnectError
	if errors.As(err, &dis) {
		return &Error{Kind: ServerRejected, Err: err}
	}
	return err
}

// nextMethod returns the index of the first untried method the server
// allows, or -1.
func nextMethod(methods []Method, allowed []string, tried map[int]bool) int {
	for i, m := range methods {
		if !tried[i] && slices.Contains(allowed, m.Name()) {
			return i
		}
	}
	return -1
}

// result is the outcome of one method attempt.
type result struct {
	ok      bool
	partial bool
	methods []string
}

// methodError is a local failure of one method (no key, prompt
// cancelled) that lets the walk continue with the next method.
type methodError struct {
	method string
	err    error
}

func (e *methodError) Error() string { return e.method + ": " + e.err.Error() }
func (e *methodError) Unwrap() error { return e.err }

// exchange carries the per-connection state shared by methods.
type exchange struct {
	conn   PacketConn
	user   string
	banner func(string)
}

func (ex *exchange) request(method string, payload []byte) error {
	msg := ssh.Marshal(&userAuthRequestMsg{
		User:    ex.user,
		Service: serviceConnection,
		Method:  method,
		Payload: payload,
	})
	err := ex.conn.WritePacket(msg)
	security.Wipe(msg)
	return err
}

// read returns the next authentication reply, delivering banners on the
// way.
func (ex *exchange) read() ([]byte, error) {
	for {
		p, err := ex.conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		if p[0] != msgUserAuthBanner {
			return p, nil
		}
		var b userAuthBannerMsg
		if err := ssh.Unmarshal(p, &b); err != nil {
			return nil, fmt.Errorf("auth: malformed banner: %w", err)
		}
		if ex.banner != nil && b.Message != "" {
			ex.banner(b.Message)
		}
	}
}

// outcome interprets SUCCESS or FAILURE.
func outcome(p []byte) (result, error) {
	switch p[0] {
	case msgUserAuthSuccess:
		return result{ok: true}, nil
	case msgUserAuthFailure:
		var f userAuthFailureMsg
		if err := ssh.Unmarshal(p, &f); err != nil {
			return result{}, fmt.Errorf("auth: malformed failure: %w", err)
		}
		return result{partial: f.PartialSuccess, methods: f.Methods}, nil
	}
	return result{}, fmt.Errorf("auth: unexpected message %d", p[0])
}

func (ex *exchange) none() (result, error) {
	if err := ex.request("none", nil); err != nil {
		return result{}, err
	}
	p, err := ex.read()
	if err != nil {
		return result{}, err
	}
	return outcome(p)
}
